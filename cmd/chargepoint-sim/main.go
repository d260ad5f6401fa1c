package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	ocpp "github.com/kochedykov/MicroOcpp"
	"github.com/kochedykov/MicroOcpp/clock"
	"github.com/kochedykov/MicroOcpp/cmd/chargepoint-sim/simconfig"
	"github.com/kochedykov/MicroOcpp/cmd/chargepoint-sim/simhw"
	"github.com/kochedykov/MicroOcpp/coordinator"
	"github.com/kochedykov/MicroOcpp/internal/kvstore"
	"github.com/kochedykov/MicroOcpp/internal/wsdial"
)

const appVersion = "1.0.0"

func init() {
	time.Local = time.UTC
}

func main() {
	var (
		chargePointID string
		csURL         string
		controlPort   string
		dbPath        string
		bootstrapFile string
		showVersion   bool
	)

	flag.StringVar(&chargePointID, "cp", "", "charge point id")
	flag.StringVar(&csURL, "cs", "", "central system url")
	flag.StringVar(&controlPort, "control-port", "", "control server port (default: random)")
	flag.StringVar(&dbPath, "db", "db", "db path")
	flag.StringVar(&bootstrapFile, "bootstrap", "", "optional YAML bootstrap file")
	flag.BoolVar(&showVersion, "version", false, "show version")
	flag.Parse()

	if showVersion {
		fmt.Println("Current App Version:", appVersion)
		os.Exit(0)
	}

	cfg, err := simconfig.Load(bootstrapFile)
	if err != nil {
		log.WithError(err).Fatal("load bootstrap config")
	}
	if chargePointID != "" {
		cfg.ChargePointID = chargePointID
	}
	if csURL != "" {
		cfg.CentralSystemURL = csURL
	}
	if controlPort != "" {
		cfg.ControlPort = controlPort
	}
	if dbPath != "db" {
		cfg.StoragePath = dbPath
	}
	if cfg.ChargePointID == "" {
		fmt.Println("missing charge point id")
		flag.Usage()
		os.Exit(1)
	}
	if cfg.CentralSystemURL == "" {
		fmt.Println("missing central system url")
		flag.Usage()
		os.Exit(1)
	}

	appLogger := log.WithField("cp", cfg.ChargePointID)

	kv, err := kvstore.Open(filepath.Join(cfg.StoragePath, cfg.ChargePointID))
	if err != nil {
		appLogger.WithError(err).Fatal("open storage")
	}
	defer kv.Close()

	hw := simhw.New(cfg.ConnectorIDs)
	var engine *ocpp.Engine
	hooks := coordinator.Hooks{
		Unlock: func(connectorID int) { appLogger.WithField("connectorId", connectorID).Info("unlock requested") },
		Reboot: func(hard bool) { appLogger.WithField("hard", hard).Info("reboot requested") },
		Trigger: func(requestedMessage string, connectorID int) bool {
			if engine == nil {
				return false
			}
			return engine.Trigger(requestedMessage, connectorID)
		},
	}
	boot := ocpp.BootInfo{
		Model:           "test-runner1234",
		Vendor:          "MicroOcpp",
		SerialNumber:    cfg.ChargePointID,
		FirmwareVersion: appVersion,
	}

	engine, err = ocpp.NewEngine(kv, uuid.NewString(), cfg.ConnectorIDs, hw, hooks, boot)
	if err != nil {
		appLogger.WithError(err).Fatal("construct engine")
	}
	defer engine.Close()

	control := newControlServer(engine, hw, cfg)
	controlAddr := control.Start()
	appLogger = appLogger.WithField("control_port", controlAddr)
	appLogger.Info("control server started")

	var connMu sync.Mutex
	var conn *wsdial.Conn
	connect := func() {
		d := &wsdial.Dialer{HandshakeTimeout: 10 * time.Second}
		c, err := d.Dial(cfg.CentralSystemURL)
		if err != nil {
			appLogger.WithError(err).Warn("dial central system failed, will retry")
			return
		}
		connMu.Lock()
		conn = c
		connMu.Unlock()
		engine.SetTransport(c)
		appLogger.Info("connected to central system")
	}
	connect()

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)

	stop := make(chan struct{})
	go runTickLoop(engine, hw, cfg, stop, func() {
		connMu.Lock()
		disconnected := conn == nil || !conn.Connected()
		connMu.Unlock()
		if disconnected {
			connect()
		}
	})

	<-signals
	appLogger.Info("shutting down")
	close(stop)
	connMu.Lock()
	if conn != nil {
		conn.Close()
	}
	connMu.Unlock()
}

// runTickLoop drives engine.Tick on a fixed schedule, matching spec §5's
// cooperative single-threaded tick model: every tick also asks maybeDial
// to attempt a reconnect if the transport has dropped, and advances the
// simulated meter for any connector currently delivering energy.
func runTickLoop(engine *ocpp.Engine, hw *simhw.Simulator, cfg *simconfig.Config, stop <-chan struct{}, maybeDial func()) {
	const tickInterval = 250 * time.Millisecond
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	start := time.Now()
	for {
		select {
		case <-stop:
			return
		case now := <-ticker.C:
			maybeDial()
			tick := clock.Tick(now.Sub(start).Milliseconds())
			engine.Tick(tick)

			charging := make(map[int]bool, len(cfg.ConnectorIDs))
			for _, id := range cfg.ConnectorIDs {
				charging[id] = engine.ChargePermitted(id)
			}
			hw.AdvanceEnergy(charging, int(tickInterval/time.Second+1))
		}
	}
}
