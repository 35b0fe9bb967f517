// Command iotgw runs one role of the IoT ingestion gateway: an MQTT
// worker node, the MQTT controller, the ingestion pipeline, the alerting
// subsystem, or the protocol transport listeners. The "all" subcommand
// does not start any role; it exits with an error.
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/shilianming/iotgw/internal/alerting"
	"github.com/shilianming/iotgw/internal/config"
	"github.com/shilianming/iotgw/internal/docstore"
	"github.com/shilianming/iotgw/internal/ingest"
	"github.com/shilianming/iotgw/internal/kvstore"
	"github.com/shilianming/iotgw/internal/logging"
	"github.com/shilianming/iotgw/internal/model"
	"github.com/shilianming/iotgw/internal/mqttctrl"
	"github.com/shilianming/iotgw/internal/mqttnode"
	"github.com/shilianming/iotgw/internal/mqueue"
	"github.com/shilianming/iotgw/internal/scripthost"
	"github.com/shilianming/iotgw/internal/transport"
	"github.com/shilianming/iotgw/internal/tsdb"
)

var (
	version  = "dev"
	commit   = "unknown"
	cfgPath  string
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(args []string) error {
	root := &cobra.Command{
		Use:     "iotgw",
		Short:   "multi-protocol IoT ingestion gateway",
		Version: fmt.Sprintf("%s (%s)", version, commit),
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", "app-local.yml", "path to the YAML config file")

	root.AddCommand(mqttNodeCmd(), mqttControllerCmd(), ingestCmd(), alertsCmd(), transportCmd(), allCmd())
	root.SetArgs(args)
	return root.Execute()
}

func loadConfig() (*config.Config, error) {
	return config.Load(cfgPath)
}

func rootContext() context.Context {
	ctx, _ := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	return ctx
}

func mqttNodeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mqtt-node",
		Short: "run an MQTT worker node",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			log := logging.New("mqtt-node")
			queue, err := mqueue.Connect(mqueue.Config(cfg.MQ))
			if err != nil {
				return err
			}
			defer queue.Close()

			node := mqttnode.New(queue, log)
			mux := http.NewServeMux()
			node.RegisterRoutes(mux)
			addr := fmt.Sprintf("%s:%d", cfg.NodeInfo.Host, cfg.NodeInfo.Port)
			log.Info("mqtt worker listening", "addr", addr)
			return http.ListenAndServe(addr, mux)
		},
	}
}

func mqttControllerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mqtt-controller",
		Short: "run the MQTT fleet controller",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			log := logging.New("mqtt-controller")
			kv := kvstore.New(kvstore.Config(cfg.Redis))
			defer kv.Close()

			self := model.NodeInfo{
				Host: cfg.NodeInfo.Host, Port: cfg.NodeInfo.Port,
				Name: cfg.NodeInfo.Name, NodeType: cfg.NodeInfo.Type, Capacity: cfg.NodeInfo.Size,
			}
			holder := fmt.Sprintf("%s:%d", self.Name, os.Getpid())
			ctrl := mqttctrl.New(kv, self, holder, cfg.Redis.DB, log)

			ctx := rootContext()
			ctrl.Start(ctx)

			mux := http.NewServeMux()
			ctrl.RegisterRoutes(mux)
			addr := fmt.Sprintf("%s:%d", cfg.NodeInfo.Host, cfg.NodeInfo.Port)
			log.Info("mqtt controller listening", "addr", addr)
			srv := &http.Server{Addr: addr, Handler: mux}
			go func() {
				<-ctx.Done()
				srv.Close()
			}()
			return srv.ListenAndServe()
		},
	}
}

func ingestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ingest",
		Short: "run the ingestion pipeline consumers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			log := logging.New("ingest")
			kv := kvstore.New(kvstore.Config(cfg.Redis))
			defer kv.Close()
			queue, err := mqueue.Connect(mqueue.Config(cfg.MQ))
			if err != nil {
				return err
			}
			defer queue.Close()
			if cfg.Influx == nil {
				return fmt.Errorf("ingest requires influx_config")
			}
			ts := tsdb.New(tsdb.Config{
				Host: cfg.Influx.Host, Port: cfg.Influx.Port,
				Token: cfg.Influx.Token, Org: cfg.Influx.Org,
			})
			defer ts.Close()

			p := &ingest.Pipeline{
				KV: kv, TS: ts, Queue: queue, Scripts: scripthost.New(),
				BucketPre: cfg.BucketPre, Log: log,
			}

			ctx := rootContext()
			errCh := make(chan error, 5)
			go func() { errCh <- p.ConsumeMQTT(ctx) }()
			go func() { errCh <- p.ConsumeProtocol(ctx, mqueue.QueuePreTCPHandler, "TCP") }()
			go func() { errCh <- p.ConsumeProtocol(ctx, mqueue.QueuePreHTTPHandler, "HTTP") }()
			go func() { errCh <- p.ConsumeProtocol(ctx, mqueue.QueuePreWSHandler, "WS") }()
			go func() { errCh <- p.ConsumeProtocol(ctx, mqueue.QueuePreCoAPHandler, "COAP") }()
			return <-errCh
		},
	}
}

func alertsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "alerts",
		Short: "run the range and windowed alert evaluators",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			log := logging.New("alerts")
			kv := kvstore.New(kvstore.Config(cfg.Redis))
			defer kv.Close()
			queue, err := mqueue.Connect(mqueue.Config(cfg.MQ))
			if err != nil {
				return err
			}
			defer queue.Close()
			if cfg.Mongo == nil {
				return fmt.Errorf("alerts requires mongo_config")
			}
			ctx := rootContext()
			docs, err := docstore.New(ctx, docstore.Config{
				Host: cfg.Mongo.Host, Port: cfg.Mongo.Port,
				Username: cfg.Mongo.Username, Password: cfg.Mongo.Password, DB: cfg.Mongo.DB,
			})
			if err != nil {
				return err
			}
			defer docs.Close(context.Background())

			rangeEval := &alerting.RangeEvaluator{KV: kv, Docs: docs, Queue: queue, AlertPre: cfg.AlertPre, Log: log}
			windowEval := &alerting.WindowEvaluator{KV: kv, Docs: docs, Queue: queue, Scripts: scripthost.New(), ScriptAlertPre: cfg.ScriptAlertPre, Log: log}

			errCh := make(chan error, 2)
			go func() { errCh <- rangeEval.Run(ctx) }()
			go func() { errCh <- windowEval.Run(ctx) }()
			return <-errCh
		},
	}
}

func transportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "transport",
		Short: "run the TCP, HTTP, WebSocket, and CoAP device listeners",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			log := logging.New("transport")
			kv := kvstore.New(kvstore.Config(cfg.Redis))
			defer kv.Close()
			queue, err := mqueue.Connect(mqueue.Config(cfg.MQ))
			if err != nil {
				return err
			}
			defer queue.Close()

			ctx := rootContext()

			httpIngest := &transport.HTTPIngest{KV: kv, Queue: queue, Log: log}
			ws := transport.NewWS(kv, queue, []byte("iotgw-dev-secret"), log)
			mux := http.NewServeMux()
			httpIngest.RegisterRoutes(mux)
			ws.RegisterRoutes(mux)

			tcpSrv := &transport.TCP{KV: kv, Queue: queue, Log: log, Node: cfg.NodeInfo.Name}
			ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", cfg.NodeInfo.Host, cfg.NodeInfo.Port+1))
			if err != nil {
				return err
			}
			go tcpSrv.Serve(ctx, ln)

			coapSrv := &transport.CoAP{KV: kv, Queue: queue, Log: log, Node: cfg.NodeInfo.Name}
			go coapSrv.ListenAndServe(ctx, fmt.Sprintf("%s:%d", cfg.NodeInfo.Host, cfg.NodeInfo.Port+2))

			addr := fmt.Sprintf("%s:%d", cfg.NodeInfo.Host, cfg.NodeInfo.Port)
			log.Info("transport listeners starting", "http", addr)
			srv := &http.Server{Addr: addr, Handler: mux}
			go func() {
				<-ctx.Done()
				srv.Close()
			}()
			return srv.ListenAndServe()
		},
	}
}

func allCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "all",
		Short: "single-process run of every role (not available: exits with an error)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return fmt.Errorf("all: run the individual role subcommands in separate processes for now")
		},
	}
}
