package config

import (
	"flag"
	"fmt"
	"net"
	"strings"
)

// Cli holds the runtime configuration for both the API process and the
// compilation workers. Populated from flags / environment via ff in main.
type Cli struct {
	Mode               string
	HTTPAddress        string
	DatabaseURL        string
	WarehouseProject   string
	WarehouseCredsFile string
	BrokerURL          string
	ShareHost          string
	ShareMounts        []string
	WorkerName         string
	WorkerQueues       []string
	FFmpegPath         string
	FFprobePath        string
	LogDir             string
	TempDir            string
	OutputDir          string
	CORSOrigins        []string
	ContainerMode      bool
	MetricsPort        int
}

func (cli *Cli) IsAPI() bool {
	return cli.Mode == "api" || cli.Mode == "all"
}

func (cli *Cli) IsWorker() bool {
	return cli.Mode == "worker" || cli.Mode == "all"
}

func (cli *Cli) Validate() error {
	switch cli.Mode {
	case "api", "worker", "all":
	default:
		return fmt.Errorf("invalid mode: %s", cli.Mode)
	}
	if cli.DatabaseURL == "" {
		return fmt.Errorf("database-url is required")
	}
	if cli.BrokerURL == "" {
		return fmt.Errorf("broker-url is required")
	}
	if cli.IsWorker() && cli.WorkerName == "" {
		return fmt.Errorf("worker-name is required in worker mode")
	}
	return nil
}

// AddrFlag validates that the value is a bindable host:port.
func AddrFlag(fs *flag.FlagSet, dest *string, name, value, usage string) {
	*dest = value
	fs.Func(name, usage, func(s string) error {
		if _, _, err := net.SplitHostPort(s); err != nil {
			return err
		}
		*dest = s
		return nil
	})
}

// CommaSliceFlag parses a comma-separated list into a string slice. An
// explicitly empty value clears the default.
func CommaSliceFlag(fs *flag.FlagSet, dest *[]string, name string, value []string, usage string) {
	*dest = value
	fs.Func(name, usage, func(s string) error {
		if s == "" {
			*dest = []string{}
			return nil
		}
		split := strings.Split(s, ",")
		out := make([]string, 0, len(split))
		for _, v := range split {
			out = append(out, strings.TrimSpace(v))
		}
		*dest = out
		return nil
	})
}
