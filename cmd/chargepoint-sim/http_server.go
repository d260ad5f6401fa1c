package main

import (
	"fmt"
	"net"
	"net/http"
	"strconv"

	"github.com/jedib0t/go-pretty/v6/table"
	log "github.com/sirupsen/logrus"

	ocpp "github.com/kochedykov/MicroOcpp"
	"github.com/kochedykov/MicroOcpp/cmd/chargepoint-sim/simconfig"
	"github.com/kochedykov/MicroOcpp/cmd/chargepoint-sim/simhw"
)

// controlServer is the demo binary's diagnostics/control HTTP surface,
// generalizing the teacher's startHttpServer: a table dump of live state
// instead of a raw badger key scan, and plug/unplug/begin/end actions
// against the simulated hardware instead of driving ocpp-go directly.
type controlServer struct {
	engine *ocpp.Engine
	hw     *simhw.Simulator
	cfg    *simconfig.Config
	log    *log.Entry
}

func newControlServer(engine *ocpp.Engine, hw *simhw.Simulator, cfg *simconfig.Config) *controlServer {
	return &controlServer{engine: engine, hw: hw, cfg: cfg, log: log.WithField("component", "control")}
}

// Start binds the control server on cfg.ControlPort (0/"" means an
// OS-assigned port) and returns the bound address for logging.
func (s *controlServer) Start() string {
	mux := http.NewServeMux()

	type endpoint struct {
		path    string
		handler http.HandlerFunc
	}
	endpoints := []endpoint{
		{path: "/status", handler: s.handleStatus},
		{path: "/plug", handler: s.handlePlug},
		{path: "/begin", handler: s.handleBegin},
		{path: "/end", handler: s.handleEnd},
	}
	endpoints = append(endpoints, endpoint{
		path: "/list",
		handler: func(w http.ResponseWriter, r *http.Request) {
			value := "Available endpoints:\n"
			for _, e := range endpoints {
				value += fmt.Sprintf("\t%s\n", e.path)
			}
			w.Write([]byte(value))
		},
	})
	for _, e := range endpoints {
		mux.HandleFunc(e.path, e.handler)
	}

	port := s.cfg.ControlPort
	if port == "" {
		port = "0"
	}
	listener, err := net.Listen("tcp", ":"+port)
	if err != nil {
		s.log.WithError(err).Fatal("failed to start control server")
	}
	go http.Serve(listener, mux)
	return listener.Addr().String()
}

func (s *controlServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.AppendHeader(table.Row{"Connector", "Status", "Operative", "ChargePermitted", "MeterWh"})
	for _, id := range s.cfg.ConnectorIDs {
		t.AppendRow(table.Row{
			id,
			string(s.engine.ConnectorState(id)),
			s.engine.IsOperative(id),
			s.engine.ChargePermitted(id),
			s.hw.MeterReading(id),
		})
	}
	t.Render()
}

func (s *controlServer) handlePlug(w http.ResponseWriter, r *http.Request) {
	connectorID, err := strconv.Atoi(r.URL.Query().Get("connectorId"))
	if err != nil {
		http.Error(w, "connectorId is required", http.StatusBadRequest)
		return
	}
	plugged := r.URL.Query().Get("plugged") != "false"
	s.hw.SetPlugged(connectorID, plugged)
	w.WriteHeader(http.StatusNoContent)
}

func (s *controlServer) handleBegin(w http.ResponseWriter, r *http.Request) {
	connectorID, err := strconv.Atoi(r.URL.Query().Get("connectorId"))
	if err != nil {
		http.Error(w, "connectorId is required", http.StatusBadRequest)
		return
	}
	idTag := r.URL.Query().Get("idTag")
	if idTag == "" {
		idTag = "mIdTag"
	}
	if err := s.engine.Begin(connectorID, idTag); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *controlServer) handleEnd(w http.ResponseWriter, r *http.Request) {
	connectorID, err := strconv.Atoi(r.URL.Query().Get("connectorId"))
	if err != nil {
		http.Error(w, "connectorId is required", http.StatusBadRequest)
		return
	}
	if err := s.engine.End(connectorID, "Local"); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
