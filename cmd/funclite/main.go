package main

import (
	"fmt"
	"os"
	"slices"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/seantiz/funclite/internal/api"
	"github.com/seantiz/funclite/internal/config"
	"github.com/seantiz/funclite/internal/pkgstore"
)

func main() {
	app := &cli.App{
		Name:  "funclite",
		Usage: "run functions on pre-warmed workers and serve apps from replica groups",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to a YAML config file",
				EnvVars: []string{"FUNCLITE_CONFIG"},
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "start the control plane",
				Action: serveCmd,
			},
			{
				Name:   "config",
				Usage:  "print the effective configuration",
				Action: configCmd,
			},
			{
				Name:   "functions",
				Usage:  "list the function packages in the package store",
				Action: functionsCmd,
			},
			{
				Name:  "token",
				Usage: "mint a bearer token for the mutating API routes",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "subject", Value: "admin", Usage: "token subject"},
					&cli.DurationFlag{Name: "ttl", Value: 24 * time.Hour, Usage: "token lifetime"},
				},
				Action: tokenCmd,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "funclite: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig(ctx *cli.Context) (config.Config, error) {
	return config.Load(ctx.String("config"))
}

func configCmd(ctx *cli.Context) error {
	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	out, err := cfg.YAML()
	if err != nil {
		return err
	}
	_, err = ctx.App.Writer.Write(out)
	return err
}

func functionsCmd(ctx *cli.Context) error {
	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	packages, err := pkgstore.Open(ctx.Context, cfg.FunctionsURL)
	if err != nil {
		return err
	}
	defer packages.Close()

	byTag, err := packages.Functions(ctx.Context)
	if err != nil {
		return err
	}
	for tag, names := range byTag {
		slices.Sort(names)
		for _, name := range names {
			versions, err := packages.Versions(ctx.Context, tag, name)
			if err != nil {
				return err
			}
			fmt.Fprintf(ctx.App.Writer, "%s\t%s\t%v\n", name, tag, versions)
		}
	}
	return nil
}

func tokenCmd(ctx *cli.Context) error {
	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	if cfg.Auth.JWTSecret == "" {
		return fmt.Errorf("no jwt secret configured; set auth.jwt_secret or FUNCLITE_JWT_SECRET")
	}
	token, err := api.NewToken(cfg.Auth.JWTSecret, ctx.String("subject"), ctx.Duration("ttl"))
	if err != nil {
		return err
	}
	fmt.Fprintln(ctx.App.Writer, token)
	return nil
}
