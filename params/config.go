package params

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Fees holds the platform-wide default fee schedule in basis points of
// trade notional. MakerBps may be negative (maker rebate). GridBps is the
// default grid surcharge; GridOverrides maps a grid location to its own
// surcharge.
type Fees struct {
	MakerBps      int64
	TakerBps      int64
	GridBps       int64
	GridOverrides map[string]int64
}

// Trading bounds order admission and the expiry sweep cadence.
type Trading struct {
	// MaxOrderKWh caps a single order's energy amount.
	MaxOrderKWh decimal.Decimal
	// MaxPrice caps the limit price, in minor units per kWh.
	MaxPrice int64
	// SweepInterval is the cadence of the expiry sweep. Expired orders stay
	// matchable until the next sweep observes them.
	SweepInterval time.Duration
}

// Events configures broadcaster fan-out.
type Events struct {
	// SubscriberBuffer is the per-subscription channel depth. A subscriber
	// whose buffer fills is dropped rather than backpressuring matching.
	SubscriberBuffer int
}

// Ledger configures the trade ledger hand-off.
type Ledger struct {
	Path string
	// QueueSize bounds the trade hand-off queue between matching and the
	// ledger committer.
	QueueSize int
}

type Node struct {
	ListenAddr string
	LogFile    string
	// Markets lists the books to open at startup, "location/source" form.
	Markets []string
}

type Config struct {
	Fees    Fees
	Trading Trading
	Events  Events
	Ledger  Ledger
	Node    Node
}

func Default() Config {
	return Config{
		Fees: Fees{
			MakerBps:      10, // 0.10%
			TakerBps:      25, // 0.25%
			GridBps:       5,  // 0.05% grid surcharge
			GridOverrides: map[string]int64{},
		},
		Trading: Trading{
			MaxOrderKWh:   decimal.NewFromInt(1_000_000),
			MaxPrice:      1_000_000, // minor units per kWh
			SweepInterval: 5 * time.Second,
		},
		Events: Events{
			SubscriberBuffer: 256,
		},
		Ledger: Ledger{
			Path:      "data/ledger.db",
			QueueSize: 1024,
		},
		Node: Node{
			ListenAddr: ":8080",
			LogFile:    "data/node.log",
			Markets:    []string{"grid-north/solar", "grid-north/wind", "grid-north/mixed"},
		},
	}
}

// LoadFromEnv loads configuration from a .env file (if present) and
// environment variables. Priority: ENV > .env file > defaults.
func LoadFromEnv(envPath string) Config {
	cfg := Default()

	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}

	cfg.Fees.MakerBps = envInt64("FEE_MAKER_BPS", cfg.Fees.MakerBps)
	cfg.Fees.TakerBps = envInt64("FEE_TAKER_BPS", cfg.Fees.TakerBps)
	cfg.Fees.GridBps = envInt64("FEE_GRID_BPS", cfg.Fees.GridBps)

	// Location-specific grid surcharges: "grid-north:8,grid-south:12"
	if raw := os.Getenv("FEE_GRID_OVERRIDES"); raw != "" {
		for _, pair := range strings.Split(raw, ",") {
			loc, bps, ok := strings.Cut(strings.TrimSpace(pair), ":")
			if !ok {
				continue
			}
			if v, err := strconv.ParseInt(bps, 10, 64); err == nil {
				cfg.Fees.GridOverrides[loc] = v
			}
		}
	}

	if raw := os.Getenv("TRADING_MAX_ORDER_KWH"); raw != "" {
		if d, err := decimal.NewFromString(raw); err == nil && d.IsPositive() {
			cfg.Trading.MaxOrderKWh = d
		}
	}
	cfg.Trading.MaxPrice = envInt64("TRADING_MAX_PRICE", cfg.Trading.MaxPrice)
	if ms := envInt64("SWEEP_INTERVAL_MS", 0); ms > 0 {
		cfg.Trading.SweepInterval = time.Duration(ms) * time.Millisecond
	}

	if n := envInt64("EVENT_SUBSCRIBER_BUFFER", 0); n > 0 {
		cfg.Events.SubscriberBuffer = int(n)
	}

	cfg.Ledger.Path = envString("LEDGER_PATH", cfg.Ledger.Path)
	if n := envInt64("LEDGER_QUEUE_SIZE", 0); n > 0 {
		cfg.Ledger.QueueSize = int(n)
	}

	cfg.Node.ListenAddr = envString("LISTEN_ADDR", cfg.Node.ListenAddr)
	cfg.Node.LogFile = envString("LOG_FILE", cfg.Node.LogFile)
	if raw := os.Getenv("MARKETS"); raw != "" {
		cfg.Node.Markets = nil
		for _, m := range strings.Split(raw, ",") {
			if m = strings.TrimSpace(m); m != "" {
				cfg.Node.Markets = append(cfg.Node.Markets, m)
			}
		}
	}

	return cfg
}

// GridBpsFor returns the grid surcharge for a location, falling back to the
// platform default when no override exists.
func (f Fees) GridBpsFor(location string) int64 {
	if bps, ok := f.GridOverrides[location]; ok {
		return bps
	}
	return f.GridBps
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt64(key string, def int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return def
}
