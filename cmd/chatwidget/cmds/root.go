package cmds

import (
	clay "github.com/go-go-golems/clay/pkg"
	"github.com/go-go-golems/glazed/pkg/cmds/logging"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/chatwidget/pkg/config"
)

type rootFlags struct {
	file     string
	dotEnv   string
	attrs    map[string]string
	explicit config.Config
}

func NewRootCommand() (*cobra.Command, error) {
	f := &rootFlags{}
	root := &cobra.Command{
		Use:           "chatwidget",
		Short:         "Terminal client and stub backend for the embeddable chat widget",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// --log-level and co are only parsed once cobra runs
			return logging.InitLoggerFromCobra(cmd)
		},
	}
	if err := clay.InitGlazed("chatwidget", root); err != nil {
		return nil, err
	}

	pf := root.PersistentFlags()
	pf.StringVar(&f.file, "config", "", "YAML config file")
	pf.StringVar(&f.dotEnv, "env-file", ".env", "dotenv file; real environment variables take precedence")
	pf.StringToStringVar(&f.attrs, "attr", nil, "host data-* attribute, e.g. --attr data-agent-id=abc (repeatable)")
	pf.StringVar(&f.explicit.APIURL, "api-url", "", "backend base URL")
	pf.StringVar(&f.explicit.SocketURL, "socket-url", "", "real-time server URL (defaults to the API URL)")
	pf.StringVar(&f.explicit.AdminAPIKey, "admin-api-key", "", "admin API key sent on admin calls")
	pf.StringVar(&f.explicit.Ref, "ref", "", "encrypted agent reference")
	pf.StringVar(&f.explicit.Token, "token", "", "bearer token used to pre-fill the visitor profile")
	pf.StringVar(&f.explicit.AgentID, "agent-id", "", "agent id (ignored when --ref is set)")
	pf.StringVar(&f.explicit.WorkspaceID, "workspace-id", "", "workspace id (ignored when --ref is set)")
	pf.StringVar(&f.explicit.AgentSecret, "agent-secret", "", "agent secret (ignored when --ref is set)")

	resolveCmd, err := newResolveCobraCommand(f)
	if err != nil {
		return nil, err
	}
	root.AddCommand(newChatCommand(f), resolveCmd, newServeStubCommand())
	return root, nil
}

// load layers file, .env and environment, then data-* attributes, then explicit flags.
func (f *rootFlags) load() (config.Config, error) {
	cfg, err := config.Load(config.LoadOptions{File: f.file, DotEnv: f.dotEnv})
	if err != nil {
		return config.Config{}, err
	}
	cfg = config.Merge(cfg, config.FromAttributes(f.attrs))
	cfg = config.Merge(cfg, f.explicit)
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	log.Debug().Str("api_url", cfg.APIURL).Str("socket_url", cfg.RealtimeURL()).Bool("scoped", cfg.Scoped()).Msg("configuration loaded")
	return cfg, nil
}
