package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	mailman "github.com/dhanikabulath/mailman3"
	"github.com/dhanikabulath/mailman3/framework/log"
	"github.com/dhanikabulath/mailman3/internal/config"
	"github.com/dhanikabulath/mailman3/internal/list"
	"github.com/dhanikabulath/mailman3/internal/mta"
)

func main() {
	app := &cli.App{
		Name:  "mailman",
		Usage: "mailing list engine",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Usage:   "path to the configuration file",
				Value:   "/etc/mailman/mailman.toml",
				EnvVars: []string{"MAILMAN_CONFIG"},
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "run",
				Usage: "start the queue runners and the LMTP listener",
				Action: func(c *cli.Context) error {
					cfg, err := loadConfig(c)
					if err != nil {
						return err
					}
					return mailman.Run(&cfg)
				},
			},
			{
				Name:  "aliases",
				Usage: "manage the MTA alias map",
				Subcommands: []*cli.Command{
					{
						Name:  "regenerate",
						Usage: "rewrite the alias map from the current set of lists",
						Action: func(c *cli.Context) error {
							cfg, err := loadConfig(c)
							if err != nil {
								return err
							}
							store := newStore(&cfg)
							return mta.NewAliasWriter(store, &cfg, namedLogger(&cfg, "mta")).Regenerate()
						},
					},
				},
			},
			{
				Name:      "create",
				Usage:     "create a mailing list and add it to the alias map",
				ArgsUsage: "LIST-ADDRESS",
				Action: func(c *cli.Context) error {
					addr := c.Args().First()
					if addr == "" {
						return cli.Exit("list address required", 2)
					}
					cfg, err := loadConfig(c)
					if err != nil {
						return err
					}
					store := newStore(&cfg)
					l := list.New(addr)
					if err := store.Create(l); err != nil {
						return err
					}
					return mta.NewAliasWriter(store, &cfg, namedLogger(&cfg, "mta")).Create(l)
				},
			},
			{
				Name:  "version",
				Usage: "print the version and exit",
				Action: func(c *cli.Context) error {
					fmt.Println("mailman", mailman.Version)
					return nil
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.DefaultLogger.Error("fatal", err)
		os.Exit(1)
	}
}

func loadConfig(c *cli.Context) (config.Config, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return cfg, err
	}
	log.DefaultLogger.Debug = cfg.Debug.Log
	return cfg, nil
}

func newStore(cfg *config.Config) *list.Store {
	return list.NewStore(cfg.ListDataDir, cfg.LockDir, cfg.ListLockTimeoutDur())
}

func namedLogger(cfg *config.Config, name string) log.Logger {
	l := log.DefaultLogger
	l.Name = name
	l.Debug = cfg.Debug.Log
	return l
}
