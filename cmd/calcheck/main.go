package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/danmuck/calcheck/internal/config"
	"github.com/danmuck/calcheck/internal/instrument"
	"github.com/danmuck/calcheck/internal/logging"
	"github.com/danmuck/calcheck/internal/monitor"
	"github.com/danmuck/calcheck/internal/procedure"
	"github.com/danmuck/calcheck/internal/sessionlog"
	"github.com/danmuck/calcheck/internal/storage"
	"github.com/joho/godotenv"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdin, os.Stdout)
	stop()
	os.Exit(code)
}

// run returns the process exit code: 1 for any fatal condition.
func run(ctx context.Context, args []string, in io.Reader, out io.Writer) int {
	fs := flag.NewFlagSet("calcheck", flag.ContinueOnError)
	fs.SetOutput(out)
	configPath := fs.String("config", "calcheck.toml", "procedure config (.toml, .yaml or .yml)")
	envPath := fs.String("env", ".env", "dotenv file loaded before the config")
	sim := fs.Bool("sim", false, "run against the simulated bench")
	yes := fs.Bool("yes", false, "do not wait for operator confirmation")
	reportPath := fs.String("report", "", "run report path (overrides config)")
	listPorts := fs.Bool("list-ports", false, "list serial ports and exit")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	if err := loadEnv(*envPath); err != nil {
		fmt.Fprintf(out, "calcheck: %v\n", err)
		return 1
	}
	logging.ConfigureRuntime()

	if *listPorts {
		return printPorts(out)
	}

	cfg, err := config.LoadProcedureConfig(*configPath)
	if err != nil {
		logging.Errf("calcheck: %v", err)
		return 1
	}
	if *sim {
		cfg.Transport.Kind = config.TransportSim
	}
	if *reportPath != "" {
		cfg.Report = *reportPath
	}
	logging.Infof("calcheck loaded config path=%s name=%s transport=%s", *configPath, cfg.Name, cfg.Transport.Kind)

	rep, err := execute(ctx, cfg, confirmer(*yes, in, out))
	if cfg.Report != "" {
		if werr := writeReport(cfg.Report, rep); werr != nil {
			logging.Errf("calcheck: %v", werr)
			if err == nil {
				err = werr
			}
		}
	}
	if err != nil {
		logging.Errf("calcheck: testing aborted: %v", err)
		return 1
	}
	return 0
}

func execute(ctx context.Context, cfg config.ProcedureConfig, confirm func(context.Context, string) error) (procedure.Report, error) {
	runID := storage.NewRunID()
	rep := procedure.Report{RunID: runID, Name: cfg.Name}

	tr, err := openTransport(ctx, cfg)
	if err != nil {
		return rep, err
	}
	defer tr.Close()

	var sink sessionlog.Sink = sessionlog.Discard{}
	if cfg.SessionLog != "" {
		l, err := sessionlog.Open(cfg.SessionLog)
		if err != nil {
			return rep, err
		}
		defer l.Close()
		sink = l
	}

	uut, err := instrument.New(tr, cfg.UUT.Session(), sink)
	if err != nil {
		return rep, err
	}
	dmm, err := instrument.New(tr, cfg.DMM.Session(), sink)
	if err != nil {
		return rep, err
	}

	pub, err := openPublisher(ctx, cfg)
	if err != nil {
		return rep, err
	}
	defer pub.Close()

	board := monitor.NewBoard(runID)
	monCtx, stopMonitor := context.WithCancel(ctx)
	defer stopMonitor()
	if cfg.Monitor.Addr != "" {
		srv := monitor.New("calcheck", cfg.Monitor.Addr, cfg.Monitor.CorsOrigins, board)
		go func() {
			if err := srv.Serve(monCtx); err != nil {
				logging.Warnf("calcheck monitor stopped err=%v", err)
			}
		}()
	}

	return procedure.Run(ctx, procedure.Bench{
		UUT:       uut,
		DMM:       dmm,
		Log:       sink,
		Board:     board,
		Publisher: pub,
		Confirm:   confirm,
		RunID:     runID,
	}, cfg.Params())
}

func openPublisher(ctx context.Context, cfg config.ProcedureConfig) (storage.Publisher, error) {
	var sinks storage.Fanout
	if cfg.Redis.Addr != "" {
		p, err := storage.NewRedisPublisher(ctx, storage.RedisOptions{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Channel:  cfg.Redis.Channel,
		})
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, p)
	}
	if cfg.Influx.URL != "" {
		p, err := storage.NewInfluxPublisher(storage.InfluxOptions{
			URL:    cfg.Influx.URL,
			Token:  cfg.Influx.Token,
			Org:    cfg.Influx.Org,
			Bucket: cfg.Influx.Bucket,
		})
		if err != nil {
			_ = sinks.Close()
			return nil, err
		}
		sinks = append(sinks, p)
	}
	if len(sinks) == 0 {
		return storage.Nop{}, nil
	}
	return sinks, nil
}

// confirmer asks on out and waits for a line on in; "q" or "n" aborts.
func confirmer(skip bool, in io.Reader, out io.Writer) func(context.Context, string) error {
	if skip {
		return nil
	}
	reader := bufio.NewReader(in)
	return func(ctx context.Context, prompt string) error {
		fmt.Fprintf(out, "%s\nPress Enter to continue with test (q to abort): ", prompt)
		lines := make(chan string, 1)
		errs := make(chan error, 1)
		go func() {
			line, err := reader.ReadString('\n')
			if err != nil && !(errors.Is(err, io.EOF) && line != "") {
				errs <- err
				return
			}
			lines <- line
		}()
		select {
		case line := <-lines:
			switch strings.ToLower(strings.TrimSpace(line)) {
			case "q", "n", "no":
				return errors.New("operator declined")
			}
			return nil
		case err := <-errs:
			return fmt.Errorf("read confirmation: %w", err)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func loadEnv(path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}
