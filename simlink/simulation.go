package simlink

import (
	"math"
	"math/rand"
	"sync"
	"time"
)

// SimulationConfig controls the realism of the simulated radio.
// Timings are in milliseconds.
type SimulationConfig struct {
	// MTU is the maximum update length a central reports when it subscribes
	MTU int // Default: 20 bytes (23-byte ATT MTU minus header)

	// Notification flow control
	QueueDepth    int // Default: 8 notifications in flight per peripheral
	DrainInterval int // Default: 2ms per notification; 0 drains as fast as possible

	// Connection timing
	MinConnectionDelay    int     // Default: 30ms
	MaxConnectionDelay    int     // Default: 100ms
	ConnectionFailureRate float64 // Default: 0.016 (1.6% failure rate)

	// Discovery timing
	AdvertisingInterval int // Default: 100ms between repeated discovery reports
	InitDelay           int // Default: 100ms until the radio reports poweredOn

	// Radio characteristics
	EnableRSSI   bool // Default: true
	BaseRSSI     int  // Default: -20 dBm at one meter
	RSSIVariance int  // Default: 3 dBm

	// Deterministic mode for testing
	Deterministic bool  // Default: false (use for reproducible scenarios)
	Seed          int64 // Random seed when Deterministic=true
}

// DefaultSimulationConfig returns realistic parameters for a sender held
// close to the receiver.
func DefaultSimulationConfig() *SimulationConfig {
	return &SimulationConfig{
		MTU: 20,

		QueueDepth:    8,
		DrainInterval: 2,

		MinConnectionDelay:    30,
		MaxConnectionDelay:    100,
		ConnectionFailureRate: 0.016,

		AdvertisingInterval: 100,
		InitDelay:           100,

		EnableRSSI:   true,
		BaseRSSI:     -20,
		RSSIVariance: 3,

		Deterministic: false,
		Seed:          0,
	}
}

// PerfectSimulationConfig returns a fast, fully reliable config for testing
func PerfectSimulationConfig() *SimulationConfig {
	cfg := DefaultSimulationConfig()
	cfg.DrainInterval = 0
	cfg.MinConnectionDelay = 0
	cfg.MaxConnectionDelay = 0
	cfg.ConnectionFailureRate = 0
	cfg.AdvertisingInterval = 10
	cfg.InitDelay = 0
	cfg.RSSIVariance = 0
	cfg.Deterministic = true
	return cfg
}

// Simulator handles the random parts of radio behavior
type Simulator struct {
	config *SimulationConfig
	mu     sync.Mutex
	rng    *rand.Rand
}

// NewSimulator creates a new simulator
func NewSimulator(config *SimulationConfig) *Simulator {
	if config == nil {
		config = DefaultSimulationConfig()
	}

	var rng *rand.Rand
	if config.Deterministic {
		rng = rand.New(rand.NewSource(config.Seed))
	} else {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}

	return &Simulator{
		config: config,
		rng:    rng,
	}
}

// Config returns the parameters the simulator runs with
func (s *Simulator) Config() *SimulationConfig {
	return s.config
}

// ShouldConnectionSucceed returns true if connection should succeed
func (s *Simulator) ShouldConnectionSucceed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rng.Float64() >= s.config.ConnectionFailureRate
}

// ConnectionDelay returns a connection delay within the configured range
func (s *Simulator) ConnectionDelay() time.Duration {
	if s.config.MaxConnectionDelay <= s.config.MinConnectionDelay {
		return time.Duration(s.config.MinConnectionDelay) * time.Millisecond
	}
	s.mu.Lock()
	delay := s.config.MinConnectionDelay +
		s.rng.Intn(s.config.MaxConnectionDelay-s.config.MinConnectionDelay)
	s.mu.Unlock()
	return time.Duration(delay) * time.Millisecond
}

// GenerateRSSI returns an RSSI value with variance.
// distance: approximate distance in meters
func (s *Simulator) GenerateRSSI(distance float64) int {
	if !s.config.EnableRSSI {
		return s.config.BaseRSSI
	}
	if distance <= 0 {
		distance = 0.01
	}

	// Free space path loss (simplified): ~20dB per 10x distance
	pathLoss := 20 * math.Log10(distance)
	rssi := float64(s.config.BaseRSSI) - pathLoss

	if s.config.RSSIVariance > 0 {
		s.mu.Lock()
		variance := s.rng.Intn(s.config.RSSIVariance*2+1) - s.config.RSSIVariance
		s.mu.Unlock()
		rssi += float64(variance)
	}

	// Clamp to what a BLE stack reports
	if rssi < -100 {
		rssi = -100
	} else if rssi > 0 {
		rssi = 0
	}

	return int(math.Round(rssi))
}

// NegotiatedMTU returns the update length both sides can handle
func (s *Simulator) NegotiatedMTU(central, peripheral int) int {
	mtu := central
	if peripheral > 0 && (mtu <= 0 || peripheral < mtu) {
		mtu = peripheral
	}
	return mtu
}
