package commands

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/ipoluianov/gomisc/logger"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/fxpool/supersocket"
	"github.com/fxpool/supersocket/internal/config"
)

// app is the state shared by the subcommands of one invocation.
type app struct {
	configPath string
	cfg        *config.Config
	logger     supersocket.Logger
}

// Execute runs the CLI until it finishes or receives SIGINT or SIGTERM.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return RootCmd().ExecuteContext(ctx)
}

// RootCmd builds a fresh command tree.
func RootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:          "supersock",
		Short:        "Framed, optionally encrypted TCP sessions",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(a.configPath)
			if err != nil {
				return err
			}
			if err := applyFlags(cmd.Flags(), cfg); err != nil {
				return err
			}
			a.cfg = cfg
			a.logger = newLogger(cfg.LogDir, cmd)
			return nil
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&a.configPath, "config", config.DefaultPath(), "config file")
	pf.String("log-dir", "", "write logs to daily files in this directory instead of stderr")
	pf.String("address", "", "address to listen on or connect to")
	pf.Int("port", 0, "TCP port")
	pf.Duration("timeout", 0, "timeout of each read and write, negative to wait forever")
	pf.String("psk", "", "pre-shared passphrase, skips the key exchange")
	pf.String("kx", "", "key exchange: x25519 or p256")
	pf.String("cipher", "", "cipher: xchacha20poly1305 or secretbox")
	pf.Int("max-message-size", 0, "largest accepted message in bytes")

	root.AddCommand(serveCmd(a), connectCmd(a), genkeyCmd(a), versionCmd())
	return root
}

// applyFlags copies every flag given on the command line over the values
// loaded from the config file.
func applyFlags(fs *pflag.FlagSet, cfg *config.Config) error {
	var err error
	fs.Visit(func(f *pflag.Flag) {
		if err != nil {
			return
		}
		switch f.Name {
		case "log-dir":
			cfg.LogDir = f.Value.String()
		case "address":
			cfg.Address = f.Value.String()
		case "port":
			cfg.Port, err = fs.GetInt(f.Name)
		case "timeout":
			cfg.Timeout, err = fs.GetDuration(f.Name)
		case "psk":
			cfg.PreSharedKey = f.Value.String()
		case "kx":
			cfg.KeyExchange = f.Value.String()
		case "cipher":
			cfg.Cipher = f.Value.String()
		case "max-message-size":
			cfg.MaxMessageSize, err = fs.GetInt(f.Name)
		case "encrypt":
			cfg.Encrypt, err = fs.GetBool(f.Name)
		case "private-key-file":
			cfg.PrivateKeyFile = f.Value.String()
		case "handshake-wait":
			cfg.HandshakeWait, err = fs.GetDuration(f.Name)
		case "metrics-addr":
			cfg.MetricsAddr = f.Value.String()
		case "rate-limit":
			cfg.RateLimit, err = fs.GetUint64(f.Name)
		}
	})
	if err != nil {
		return fmt.Errorf("flags: %w", err)
	}
	return nil
}

// fileLogger sends session logs to the daily log files of the logger
// package.
type fileLogger struct{}

func (fileLogger) Printf(format string, v ...any) {
	logger.Println(fmt.Sprintf(format, v...))
}

func newLogger(dir string, cmd *cobra.Command) supersocket.Logger {
	if dir != "" {
		logger.Init(dir)
		return fileLogger{}
	}
	return log.New(cmd.ErrOrStderr(), "", log.LstdFlags)
}

// sessionConfig builds the session configuration for the current command.
func (a *app) sessionConfig() (*supersocket.Config, error) {
	sc, err := a.cfg.Session()
	if err != nil {
		return nil, err
	}
	sc.Logger = a.logger
	return sc, nil
}
