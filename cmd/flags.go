package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// boundFlag maps a command-line flag onto a configuration key.
type boundFlag struct {
	name  string
	short string
	key   string
	usage string
	value interface{}
}

// listenFlags returns the address flags shared by commands that start
// listeners. Defaults come from viper so --help shows the effective value.
func listenFlags() *pflag.FlagSet {
	fs := pflag.NewFlagSet("listen", pflag.ContinueOnError)
	addBoundFlags(fs, []boundFlag{
		{name: "host", key: "server.host", usage: "Gateway host to bind to", value: "0.0.0.0"},
		{name: "port", short: "p", key: "server.port", usage: "Gateway port", value: 8080},
		{name: "path", key: "server.path", usage: "WebSocket endpoint path", value: "/ws"},
		{name: "admin-host", key: "admin.host", usage: "Admin API host to bind to", value: "127.0.0.1"},
		{name: "admin-port", key: "admin.port", usage: "Admin API port", value: 9090},
		{name: "admin", key: "admin.enabled", usage: "Serve the admin API", value: true},
		{name: "redis", key: "redis.enabled", usage: "Keep rate limit counters in Redis", value: false},
	})
	return fs
}

func addBoundFlags(fs *pflag.FlagSet, flags []boundFlag) {
	for _, f := range flags {
		switch v := f.value.(type) {
		case string:
			fs.StringP(f.name, f.short, v, f.usage)
		case int:
			fs.IntP(f.name, f.short, v, f.usage)
		case bool:
			fs.BoolP(f.name, f.short, v, f.usage)
		default:
			panic(fmt.Sprintf("unsupported flag type %T for --%s", v, f.name))
		}
		fs.SetAnnotation(f.name, "viper-key", []string{f.key})
	}
}

// bindFlags attaches fs to cmd and binds every annotated flag to its key.
func bindFlags(cmd *cobra.Command, fs *pflag.FlagSet) {
	cmd.Flags().AddFlagSet(fs)
	fs.VisitAll(func(f *pflag.Flag) {
		if keys := f.Annotations["viper-key"]; len(keys) == 1 {
			_ = viper.BindPFlag(keys[0], cmd.Flags().Lookup(f.Name))
		}
	})
}

// outputFormat validates an --output/--format value.
func outputFormat(value string, allowed ...string) (string, error) {
	format := strings.ToLower(strings.TrimSpace(value))
	for _, a := range allowed {
		if format == a {
			return format, nil
		}
	}
	return "", fmt.Errorf("unsupported format: %s (supported: %s)", value, strings.Join(allowed, ", "))
}
