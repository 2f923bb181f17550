package cmds

import (
	"context"
	"strings"

	"github.com/go-go-golems/glazed/pkg/cli"
	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/sources"
	"github.com/go-go-golems/glazed/pkg/cmds/values"
	"github.com/go-go-golems/glazed/pkg/middlewares"
	"github.com/go-go-golems/glazed/pkg/settings"
	"github.com/go-go-golems/glazed/pkg/types"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/chatwidget/pkg/access"
	"github.com/go-go-golems/chatwidget/pkg/api"
	"github.com/go-go-golems/chatwidget/pkg/config"
)

// ResolveCommand runs the access handshake and emits its outcome as a row.
type ResolveCommand struct {
	*cmds.CommandDescription
	root *rootFlags
}

type ResolveSettings struct {
	Wait bool `glazed:"wait"`
}

func NewResolveCommand(root *rootFlags) (*ResolveCommand, error) {
	glazedSection, err := settings.NewGlazedSection()
	if err != nil {
		return nil, errors.Wrap(err, "create glazed section")
	}

	desc := cmds.NewCommandDescription(
		"resolve",
		cmds.WithShort("Run the access handshake and print the outcome"),
		cmds.WithLong("Resolve the configured identity (reference, explicit ids or bearer token) the way the widget does before a chat, and print grant, validity, profile and appearance."),
		cmds.WithFlags(
			fields.New(
				"wait",
				fields.TypeBool,
				fields.WithDefault(true),
				fields.WithHelp("Wait for the avatar and outline color lookups before printing"),
			),
		),
		cmds.WithSections(glazedSection),
	)
	return &ResolveCommand{CommandDescription: desc, root: root}, nil
}

func (c *ResolveCommand) RunIntoGlazeProcessor(ctx context.Context, parsedLayers *values.Values, gp middlewares.Processor) error {
	s := &ResolveSettings{}
	if err := parsedLayers.DecodeSectionInto(values.DefaultSlug, s); err != nil {
		return err
	}

	cfg, err := c.root.load()
	if err != nil {
		return err
	}
	client, err := api.NewClient(cfg.APIURL, cfg.AdminAPIKey, api.WithTimeout(cfg.HTTPTimeout))
	if err != nil {
		return err
	}

	r := access.NewResolver(client)
	if _, err := r.Resolve(ctx, cfg.AccessInput()); err != nil {
		return errors.Wrap(err, "resolve")
	}
	if s.Wait {
		r.Wait()
	}
	return gp.AddRow(ctx, resolveRow(cfg, r.Current()))
}

func resolveRow(cfg config.Config, res access.Result) types.Row {
	app := res.Appearance
	if cfg.OutlineColorDark != "" {
		app.OutlineColors.Dark = cfg.OutlineColorDark
	}
	if cfg.OutlineColorLight != "" {
		app.OutlineColors.Light = cfg.OutlineColorLight
	}

	var profileName, profileEmail string
	if res.Profile != nil {
		profileName, profileEmail = res.Profile.Name, res.Profile.Email
	}
	errs := make([]string, 0, len(res.Errors))
	for _, e := range res.Errors {
		errs = append(errs, e.Error())
	}

	return types.NewRow(
		types.MRP("api_url", cfg.APIURL),
		types.MRP("socket_url", cfg.RealtimeURL()),
		types.MRP("allowed", res.Allowed()),
		types.MRP("scoped", res.Scoped),
		types.MRP("validity", res.Grant.Validity.String()),
		types.MRP("workspace_id", res.Grant.WorkspaceID),
		types.MRP("agent_id", res.Grant.AgentID),
		types.MRP("profile_name", profileName),
		types.MRP("profile_email", profileEmail),
		types.MRP("avatar_url", app.AvatarURL),
		types.MRP("outline_color_dark", app.OutlineColors.Dark),
		types.MRP("outline_color_light", app.OutlineColors.Light),
		types.MRP("errors", strings.Join(errs, "; ")),
	)
}

func newResolveCobraCommand(root *rootFlags) (*cobra.Command, error) {
	c, err := NewResolveCommand(root)
	if err != nil {
		return nil, err
	}
	return cli.BuildCobraCommand(c, cli.WithCobraMiddlewaresFunc(glazedMiddlewares))
}

func glazedMiddlewares(_ *values.Values, cmd *cobra.Command, args []string) ([]sources.Middleware, error) {
	return []sources.Middleware{
		sources.FromCobra(cmd),
		sources.FromArgs(args),
		sources.FromEnv(strings.TrimSuffix(config.EnvPrefix, "_"),
			fields.WithSource("env"),
		),
		sources.FromDefaults(),
	}, nil
}

var _ cmds.GlazeCommand = &ResolveCommand{}
