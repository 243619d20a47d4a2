package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/ergochat/readline"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dronewatch/plotsync"
	"github.com/dronewatch/plotsync/config"
	"github.com/dronewatch/plotsync/discovery"
	"github.com/dronewatch/plotsync/store"
	"github.com/dronewatch/plotsync/utils"
)

var (
	configPath  = flag.String("config", "", "path to a TOML config file")
	nodeID      = flag.Uint("node", 0, "node id (overrides config)")
	listenAddr  = flag.String("listen", "", "replication listen address")
	peerList    = flag.String("connect", "", "comma-separated peer addresses")
	skewSecs    = flag.Int64("skew", 0, "clock skew in seconds, emulates a desynchronized node")
	timeMult    = flag.Float64("mult", 0, "adjusted clock multiplier, 1.0 is wall time")
	verbosity   = flag.Int("v", 1, "verbosity, 0 errors through 3 debug")
	journalPath = flag.String("journal", "", "plot journal directory, empty for in-memory")
	metricsAddr = flag.String("metrics", "", "prometheus listen address, empty disables")
	gossipBind  = flag.String("gossip", "", "gossip bind host:port, empty disables discovery")
	gossipSeeds = flag.String("seeds", "", "comma-separated gossip seed addresses")
	interactive = flag.Bool("interactive", false, "run the command console instead of daemonizing")
)

func loadConfig() (*config.Config, error) {
	var conf *config.Config
	if *configPath != "" {
		var err error
		conf, err = config.Load(*configPath)
		if err != nil {
			return nil, err
		}
	} else {
		conf = new(config.Config)
		conf.SetDefaults()
	}

	// flags win over the file
	if *nodeID != 0 {
		conf.Node.ID = uint32(*nodeID)
	}
	if *listenAddr != "" {
		conf.Replica.ListenAddr = *listenAddr
	}
	if *peerList != "" {
		conf.Replica.Peers = strings.Split(*peerList, ",")
	}
	if *skewSecs != 0 {
		conf.Node.ClockSkewSeconds = *skewSecs
	}
	if *timeMult != 0 {
		conf.Node.TimeMult = *timeMult
	}
	if *journalPath != "" {
		conf.Journal.Path = *journalPath
	}
	if *metricsAddr != "" {
		conf.Metrics.ListenAddr = *metricsAddr
	}
	if *gossipBind != "" {
		host, port, ok := strings.Cut(*gossipBind, ":")
		if !ok {
			return nil, fmt.Errorf("gossip address %q must be host:port", *gossipBind)
		}
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("bad gossip port %q: %w", port, err)
		}
		conf.Discovery.BindAddr = host
		conf.Discovery.BindPort = p
	}
	if *gossipSeeds != "" {
		conf.Discovery.Seeds = strings.Split(*gossipSeeds, ",")
	}
	conf.Node.Verbosity = *verbosity

	if conf.Node.ID == 0 {
		return nil, config.ErrNodeID
	}
	return conf, nil
}

func run() error {
	conf, err := loadConfig()
	if err != nil {
		return err
	}

	log := utils.NewDefaultLogger(utils.LevelForVerbosity(conf.Node.Verbosity))
	ctx := context.Background()

	db := store.New()
	var journal *store.Journal
	if conf.Journal.Path != "" {
		journal, err = store.OpenJournal(conf.Journal.Path)
		if err != nil {
			return err
		}
		defer journal.Close()
		restored, err := journal.Load(db)
		if err != nil {
			return err
		}
		log.Info("journal loaded", "path", conf.Journal.Path, "plots", restored)
	}

	srv, err := plotsync.NewServer(log, db, journal, plotsync.Options{
		NodeID:       conf.Node.ID,
		ClockSkew:    time.Duration(conf.Node.ClockSkewSeconds) * time.Second,
		TimeMult:     conf.Node.TimeMult,
		ReplInterval: conf.Replica.IntervalSeconds,
	})
	if err != nil {
		return err
	}
	defer srv.Close()

	if err = srv.Listen(ctx, conf.Replica.ListenAddr); err != nil {
		return err
	}
	log.Info("listening", "addr", conf.Replica.ListenAddr, "node", conf.Node.ID)

	for _, peer := range conf.Replica.Peers {
		if err = srv.Connect(ctx, peer); err != nil {
			log.Warn("couldn't connect peer", "addr", peer, "err", err)
		}
	}

	if conf.Discovery.BindAddr != "" {
		svc, err := discovery.Start(log, discovery.Options{
			NodeName: fmt.Sprintf("plotsync-%d", conf.Node.ID),
			BindAddr: conf.Discovery.BindAddr,
			BindPort: conf.Discovery.BindPort,
			ReplAddr: conf.Replica.ListenAddr,
			Seeds:    conf.Discovery.Seeds,
			OnJoin: func(addr string) {
				if err := srv.Connect(ctx, addr); err != nil {
					log.Warn("couldn't connect discovered peer", "addr", addr, "err", err)
				}
			},
		})
		if err != nil {
			return err
		}
		defer svc.Stop()
	}

	if conf.Metrics.ListenAddr != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(plotsync.Metrics()...)
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		go func() {
			if err := http.ListenAndServe(conf.Metrics.ListenAddr, mux); err != nil {
				log.Error("metrics endpoint failed", "err", err)
			}
		}()
		log.Info("metrics exposed", "addr", conf.Metrics.ListenAddr)
	}

	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	if *interactive {
		console(srv, db, log)
		srv.RequestStop()
		return <-done
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigs:
		log.Info("stopping", "signal", sig.String())
		srv.RequestStop()
		return <-done
	case err := <-done:
		return err
	}
}

var completer = readline.NewPrefixCompleter(
	readline.PcItem("help"),
	readline.PcItem("connect"),
	readline.PcItem("peers"),
	readline.PcItem("plot"),
	readline.PcItem("list"),
	readline.PcItem("time"),
	readline.PcItem("exit"),
	readline.PcItem("quit"),
)

func filterInput(r rune) (rune, bool) {
	switch r {
	// block CtrlZ feature
	case readline.CharCtrlZ:
		return r, false
	}
	return r, true
}

// console drives the node from a prompt; returning hands control back
// to run, which stops the loop and triggers clock resolution.
func console(srv *plotsync.Server, db *store.Store, log utils.Logger) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "◌ ",
		HistoryFile:     ".plotsync_cmd_log.txt",
		AutoComplete:    completer,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",

		HistorySearchFold:   true,
		FuncFilterInputRune: filterInput,
	})
	if err != nil {
		log.Error("couldn't open console", "err", err)
		return
	}
	defer rl.Close()
	rl.CaptureExitSignal()

	ctx := context.Background()

	for {
		line, err := rl.Readline()
		if err == readline.ErrInterrupt {
			if len(line) == 0 {
				return
			}
			continue
		} else if err == io.EOF {
			return
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		args := strings.Fields(line)
		cmd := args[0]
		args = args[1:]

		switch cmd {
		case "help":
			fmt.Println("connect <addr> | peers | plot <drone> <lat> <lon> | list | time | exit")

		case "connect":
			if len(args) != 1 {
				fmt.Fprintln(os.Stderr, "usage: connect <addr>")
				break
			}
			if err := srv.Connect(ctx, args[0]); err != nil {
				fmt.Fprintln(os.Stderr, err.Error())
			}

		case "peers":
			for _, p := range srv.Peers() {
				fmt.Println(p)
			}

		case "plot":
			if len(args) != 3 {
				fmt.Fprintln(os.Stderr, "usage: plot <drone> <lat> <lon>")
				break
			}
			drone, err1 := strconv.ParseUint(args[0], 10, 32)
			lat, err2 := strconv.ParseFloat(args[1], 64)
			lon, err3 := strconv.ParseFloat(args[2], 64)
			if err1 != nil || err2 != nil || err3 != nil {
				fmt.Fprintln(os.Stderr, "usage: plot <drone> <lat> <lon>")
				break
			}
			ts := srv.AdjustedTime()
			db.Add(uint32(drone), srv.NodeID(), ts, lat, lon)
			fmt.Printf("plot recorded at adjusted time %d\n", ts)

		case "list":
			for _, p := range db.Snapshot() {
				mark := " "
				if p.Flags&store.FlagNew != 0 {
					mark = "*"
				}
				fmt.Printf("%s drone %d node %d t=%d (%.6f, %.6f)\n",
					mark, p.DroneID, p.NodeID, p.Timestamp, p.Latitude, p.Longitude)
			}
			fmt.Printf("%d plots\n", db.Len())

		case "time":
			fmt.Printf("adjusted %d\n", srv.AdjustedTime())

		case "exit", "quit":
			return

		default:
			fmt.Fprintf(os.Stderr, "command unknown: %s\n", cmd)
		}
	}
}

func main() {
	flag.Parse()
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}
