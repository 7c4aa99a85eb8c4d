// meshkv is a distributed key-value store node.
package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/meshkv/meshkv/internal/cluster"
	"github.com/meshkv/meshkv/internal/config"
	"github.com/meshkv/meshkv/internal/coord"
	"github.com/meshkv/meshkv/internal/fabric"
	"github.com/meshkv/meshkv/internal/metrics"
	"github.com/meshkv/meshkv/internal/record"
	"github.com/meshkv/meshkv/internal/storage"
	"github.com/meshkv/meshkv/pkg/proto"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// ballast is a large allocation that reduces GC frequency by increasing
// the target heap size. Fewer GC cycles means fewer pause-induced
// latency spikes on the transaction path. Package-level to ensure it
// stays alive for the lifetime of the process.
//
//nolint:gochecknoglobals
var ballast []byte

// setupGCTuning configures the Go garbage collector for lower latency.
// It sets GOGC to 200 and allocates a memory ballast.
func setupGCTuning() {
	debug.SetGCPercent(200)

	// The GC triggers when live heap reaches GOGC% of the previous
	// heap size. With a ballast the effective trigger point is higher,
	// reducing GC frequency for small allocations.
	ballast = make([]byte, 10<<20) // 10MB

	runtime.KeepAlive(ballast)
}

var (
	cfgFile  string
	logLevel string

	// Client command flags
	apiServer string
	apiToken  string

	// Write flags
	putTTL       string
	putExpectGen int
	commitLevel  string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "meshkv",
		Short: "meshkv - distributed key-value store",
		Long: `meshkv is a replicated key-value store with per-record transaction
coordination. Records live in namespaces, are addressed by set and key,
and replicate across a static cluster roster.

QUICK START - Bring up a local cluster:

  # Generate an example config (writes meshkv.yaml with a fresh token):
  meshkv init

  # Start each node with its own node_id and ports:
  meshkv serve -c node1.yaml
  meshkv serve -c node2.yaml
  meshkv serve -c node3.yaml

WORKING WITH RECORDS:

  meshkv put default users alice name=Alice city=Oslo -t <token>
  meshkv get default users alice -t <token>
  meshkv del default users alice -t <token>

For more help on any command, use: meshkv <command> --help`,
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "info", "log level")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a meshkv node",
		RunE:  runServe,
	}
	rootCmd.AddCommand(serveCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show node status",
		RunE:  runStatus,
	}
	addClientFlags(statusCmd)
	rootCmd.AddCommand(statusCmd)

	getCmd := &cobra.Command{
		Use:   "get <namespace> <set> <key>",
		Short: "Read a record",
		Args:  cobra.ExactArgs(3),
		RunE:  runGet,
	}
	addClientFlags(getCmd)
	rootCmd.AddCommand(getCmd)

	putCmd := &cobra.Command{
		Use:   "put <namespace> <set> <key> <bin=value>...",
		Short: "Write a record",
		Args:  cobra.MinimumNArgs(4),
		RunE:  runPut,
	}
	addClientFlags(putCmd)
	putCmd.Flags().StringVar(&putTTL, "ttl", "", "record TTL in seconds, \"never\", or \"no-change\"")
	putCmd.Flags().IntVar(&putExpectGen, "expect-generation", -1, "fail unless the record is at this generation")
	putCmd.Flags().StringVar(&commitLevel, "commit-level", "", "override namespace commit level: \"all\" or \"master\"")
	rootCmd.AddCommand(putCmd)

	delCmd := &cobra.Command{
		Use:   "del <namespace> <set> <key>",
		Short: "Delete a record",
		Args:  cobra.ExactArgs(3),
		RunE:  runDel,
	}
	addClientFlags(delCmd)
	delCmd.Flags().IntVar(&putExpectGen, "expect-generation", -1, "fail unless the record is at this generation")
	rootCmd.AddCommand(delCmd)

	pingCmd := &cobra.Command{
		Use:   "ping <namespace> <set> <key>",
		Short: "Probe the replicas holding a record",
		Args:  cobra.ExactArgs(3),
		RunE:  runPing,
	}
	addClientFlags(pingCmd)
	rootCmd.AddCommand(pingCmd)

	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Generate an example config with a fresh auth token",
		RunE:  runInit,
	}
	initCmd.Flags().StringP("output", "o", ".", "output directory for the config file")
	rootCmd.AddCommand(initCmd)

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("meshkv %s\n", Version)
			fmt.Printf("  Commit:     %s\n", Commit)
			fmt.Printf("  Build Time: %s\n", BuildTime)
		},
	}
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func addClientFlags(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&apiServer, "server", "s", "http://127.0.0.1:3000", "node API endpoint")
	cmd.Flags().StringVarP(&apiToken, "token", "t", "", "authentication token")
}

func setupLogging() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	level, err := zerolog.ParseLevel(logLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
}

func logStartupBanner() {
	banner := `
╔══════════════════════════════════════════════════════════╗
║                                                          ║
║   ███╗   ███╗███████╗███████╗██╗  ██╗██╗  ██╗██╗   ██╗   ║
║   ████╗ ████║██╔════╝██╔════╝██║  ██║██║ ██╔╝██║   ██║   ║
║   ██╔████╔██║█████╗  ███████╗███████║█████╔╝ ██║   ██║   ║
║   ██║╚██╔╝██║██╔══╝  ╚════██║██╔══██║██╔═██╗ ╚██╗ ██╔╝   ║
║   ██║ ╚═╝ ██║███████╗███████║██║  ██║██║  ██╗ ╚████╔╝    ║
║   ╚═╝     ╚═╝╚══════╝╚══════╝╚═╝  ╚═╝╚═╝  ╚═╝  ╚═══╝     ║
║                                                          ║
║            Distributed Key-Value Store                   ║
║                                                          ║
╚══════════════════════════════════════════════════════════╝`

	fmt.Fprintln(os.Stderr, banner)
	fmt.Fprintf(os.Stderr, "\n  Version:    %s\n", Version)
	fmt.Fprintf(os.Stderr, "  Commit:     %s\n", Commit)
	fmt.Fprintf(os.Stderr, "  Build Time: %s\n", BuildTime)
	fmt.Fprintf(os.Stderr, "  Go:         %s\n", runtime.Version())
	fmt.Fprintf(os.Stderr, "  OS/Arch:    %s/%s\n\n", runtime.GOOS, runtime.GOARCH)
}

func runServe(cmd *cobra.Command, args []string) error {
	setupLogging()
	logStartupBanner()
	setupGCTuning()

	if cfgFile == "" {
		return fmt.Errorf("--config is required")
	}
	cfg, err := config.LoadNodeConfig(cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	m := metrics.InitNodeMetrics(nil, strconv.FormatUint(cfg.NodeID, 10))

	view, err := cluster.NewStatic(cfg.NodeID, cfg.Nodes)
	if err != nil {
		return fmt.Errorf("build cluster view: %w", err)
	}

	store := storage.NewMemory(len(cfg.Namespaces))
	defer func() { _ = store.Close() }()

	fab := fabric.NewWS(cfg.Fabric, view, cfg.AuthToken, m)
	defer func() { _ = fab.Close() }()

	coordinator := coord.NewCoordinator(cfg, view, store, storage.NoIndex{}, fab, m)
	coordinator.Start()
	defer coordinator.Stop()

	nsNames := make([]string, len(cfg.Namespaces))
	for i := range cfg.Namespaces {
		nsNames[i] = cfg.Namespaces[i].Name
	}
	sampler := metrics.NewCollector(m, metrics.CollectorConfig{
		Store:      store,
		Coord:      coordinator,
		Namespaces: nsNames,
		Interval:   15 * time.Second,
	})
	samplerCtx, stopSampler := context.WithCancel(context.Background())
	defer stopSampler()
	go sampler.Run(samplerCtx)

	srv := coord.NewServer(cfg, coordinator, view, store)
	srv.SetVersion(Version)

	fabricMux := http.NewServeMux()
	fabricMux.Handle(fabric.LinkPath, fab.LinkHandler())
	fabricSrv := &http.Server{Addr: cfg.FabricListen, Handler: fabricMux}
	go func() {
		log.Info().Str("listen", cfg.FabricListen).Msg("starting fabric listener")
		if err := fabricSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("fabric listener failed")
		}
	}()

	clientSrv := &http.Server{Addr: cfg.Listen, Handler: srv}
	go func() {
		log.Info().Str("listen", cfg.Listen).Msg("starting client API server")
		if err := clientSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("client API server failed")
		}
	}()

	log.Info().
		Uint64("node", cfg.NodeID).
		Int("cluster_size", len(cfg.Nodes)).
		Int("namespaces", len(cfg.Namespaces)).
		Msg("meshkv node up")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = clientSrv.Shutdown(shutdownCtx)
	_ = fabricSrv.Shutdown(shutdownCtx)
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	setupLogging()

	client := coord.NewClient(apiServer, apiToken)
	st, err := client.Status()
	if err != nil {
		fmt.Println("Status: unreachable")
		fmt.Printf("  Server: %s\n", apiServer)
		fmt.Printf("  Error:  %v\n", err)
		return nil
	}

	fmt.Println("meshkv Node Status")
	fmt.Println("==================")
	fmt.Println()
	fmt.Printf("  Node:         %d\n", st.Node)
	if st.Version != "" {
		fmt.Printf("  Version:      %s\n", st.Version)
	}
	fmt.Printf("  Uptime:       %s\n", (time.Duration(st.UptimeSec) * time.Second).String())
	fmt.Printf("  Cluster Size: %d\n", st.ClusterSize)
	fmt.Printf("  In Flight:    %d\n", st.InFlight)
	fmt.Printf("  Unreplicated: %d\n", st.Unreplicated)
	if st.DupPartitions > 0 {
		fmt.Printf("  Partitions with duplicates: %d\n", st.DupPartitions)
	}
	fmt.Println()
	fmt.Println("Namespaces:")
	for _, ns := range st.Namespaces {
		fmt.Printf("  %-16s records=%-8d replication=%d commit=%s\n",
			ns.Name, ns.Records, ns.ReplicationFactor, ns.CommitLevel)
	}
	return nil
}

func runGet(cmd *cobra.Command, args []string) error {
	setupLogging()

	client := coord.NewClient(apiServer, apiToken)
	rec, err := client.Get(args[0], args[1], args[2])
	if err != nil {
		return err
	}

	fmt.Printf("%s/%s/%s  generation=%d\n", rec.Namespace, rec.Set, rec.Key, rec.Generation)
	for _, b := range rec.Bins {
		fmt.Printf("  %s = %s\n", b.Name, strconv.Quote(string(b.Value)))
	}
	return nil
}

func runPut(cmd *cobra.Command, args []string) error {
	setupLogging()

	bins := make([]proto.Bin, 0, len(args)-3)
	for _, arg := range args[3:] {
		name, value, ok := strings.Cut(arg, "=")
		if !ok || name == "" {
			return fmt.Errorf("bin %q must be name=value", arg)
		}
		bins = append(bins, proto.Bin{Name: name, Value: []byte(value)})
	}

	opts, err := writeOptionsFromFlags()
	if err != nil {
		return err
	}

	client := coord.NewClient(apiServer, apiToken)
	ack, err := client.Put(args[0], args[1], args[2], bins, opts)
	if err != nil {
		return err
	}

	fmt.Printf("ok  generation=%d\n", ack.Generation)
	return nil
}

func runDel(cmd *cobra.Command, args []string) error {
	setupLogging()

	opts, err := writeOptionsFromFlags()
	if err != nil {
		return err
	}

	client := coord.NewClient(apiServer, apiToken)
	if _, err := client.Delete(args[0], args[1], args[2], opts); err != nil {
		return err
	}

	fmt.Println("ok")
	return nil
}

func runPing(cmd *cobra.Command, args []string) error {
	setupLogging()

	client := coord.NewClient(apiServer, apiToken)
	replicas, err := client.ReplicaStatus(args[0], args[1], args[2])
	if err != nil {
		return err
	}

	if len(replicas) == 0 {
		fmt.Println("no replicas beyond this node")
		return nil
	}
	for _, r := range replicas {
		state := "ok"
		if !r.OK {
			state = r.Err
		}
		fmt.Printf("  node %-6d regime=%-6d %s\n", r.Node, r.Regime, state)
	}
	return nil
}

func writeOptionsFromFlags() (coord.WriteOptions, error) {
	var opts coord.WriteOptions

	if putExpectGen >= 0 {
		if putExpectGen > 0xFFFF {
			return opts, fmt.Errorf("--expect-generation out of range")
		}
		opts.ExpectGeneration = uint16(putExpectGen)
		opts.GenPolicy = record.GenEqual
	}

	switch putTTL {
	case "":
	case "never":
		opts.TTL = record.TTLNeverExpire
	case "no-change":
		opts.TTL = record.TTLDontUpdate
	default:
		ttl, err := strconv.ParseUint(putTTL, 10, 32)
		if err != nil {
			return opts, fmt.Errorf("invalid --ttl %q", putTTL)
		}
		opts.TTL = uint32(ttl)
	}

	switch commitLevel {
	case "":
	case "all":
		t := true
		opts.CommitAll = &t
	case "master":
		f := false
		opts.CommitAll = &f
	default:
		return opts, fmt.Errorf("--commit-level must be \"all\" or \"master\"")
	}

	return opts, nil
}

func generateAuthToken() string {
	b := make([]byte, 32)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

func runInit(cmd *cobra.Command, args []string) error {
	setupLogging()

	outputDir, _ := cmd.Flags().GetString("output")
	path := filepath.Join(outputDir, "meshkv.yaml")

	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists", path)
	}

	token := generateAuthToken()
	cfg := fmt.Sprintf(`# meshkv node configuration.
# Every node in the cluster needs the same roster, namespaces, and
# auth_token; node_id, listen, fabric_listen, and advertise are per-node.
node_id: 1
listen: ":3000"
fabric_listen: ":3001"
advertise: "127.0.0.1:3001"
auth_token: "%s"

nodes:
  - id: 1
    fabric: "127.0.0.1:3001"
  - id: 2
    fabric: "127.0.0.1:3002"
  - id: 3
    fabric: "127.0.0.1:3003"

namespaces:
  - name: default
    replication_factor: 2
    commit_level: all            # "all" or "master"
    conflict_resolution: last-update-time
    durable_deletes: false
    default_ttl: 0s              # 0s = never expire
    max_ttl: 0s                  # 0s = unlimited
    max_record_size: 1MB

transaction:
  retransmit_interval: 150ms
  retransmit_budget: 5
  restart_budget: 2
  total_timeout: 1s

fabric:
  compress_threshold: 1KB
  rate_limit: 50000
  rate_burst: 10000
  reconnect_min: 250ms
  reconnect_max: 15s
`, token)

	if err := os.WriteFile(path, []byte(cfg), 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	fmt.Printf("Config written: %s\n", path)
	fmt.Println("Copy it per node, set a unique node_id, and point listen/fabric_listen at free ports.")
	fmt.Printf("Auth token (keep it secret): %s\n", token)
	return nil
}
