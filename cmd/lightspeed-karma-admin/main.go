package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/tcriess/lightspeed-karma/auth"
	"github.com/tcriess/lightspeed-karma/config"
	"github.com/tcriess/lightspeed-karma/globals"
	"github.com/tcriess/lightspeed-karma/karma"
	"github.com/tcriess/lightspeed-karma/persistence"
	"github.com/tcriess/lightspeed-karma/types"
)

// A very simple CLI tool for the administration of the karma ledger.

// admin holds what the commands share. It is set up before any command runs.
type admin struct {
	cfg         *config.Config
	persister   persistence.Persister
	rules       *karma.Rules
	ledger      *karma.Ledger
	leaderboard *karma.Leaderboard
}

func (a *admin) setup(configPath string, flagSet *pflag.FlagSet) error {
	cfg, err := config.ReadConfiguration(configPath, flagSet)
	if err != nil {
		return err
	}
	globals.AppLogger.SetLevel(hclog.LevelFromString(cfg.LogLevel))

	persister, err := persistence.NewPersister(cfg)
	if err != nil {
		return err
	}
	rules, err := karma.NewRules(cfg.KarmaConfig.Rules)
	if err != nil {
		persister.Close()
		return err
	}
	leaderboard, err := karma.NewLeaderboard(persister, cfg.LeaderboardConfig, cfg.KarmaConfig, globals.AppLogger.Named("leaderboard"))
	if err != nil {
		persister.Close()
		return err
	}
	a.cfg = cfg
	a.persister = persister
	a.rules = rules
	a.ledger = karma.NewLedger(persister, rules, cfg.KarmaConfig, globals.AppLogger.Named("ledger"))
	a.leaderboard = leaderboard
	return nil
}

func main() {
	log.SetFlags(0)

	if err := newRootCmd(&admin{}).Execute(); err != nil {
		os.Exit(1)
	}
}

// newRootCmd builds the command tree. Setup is skipped for an admin that is already set up.
func newRootCmd(a *admin) *cobra.Command {
	ctx := context.Background()
	var configPath string
	flagSet := config.GetFlagSet()

	var cmdAward = &cobra.Command{
		Use:   "award [user id] [action] [key=value...]",
		Short: "Award karma for an action",
		Long:  `award appends the karma event the rule of the given action yields. Parameters are passed to the points expression.`,
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			params, err := parseParams(args[2:])
			if err != nil {
				return fmt.Errorf("could not parse parameters: %w", err)
			}
			event, err := a.ledger.Award(ctx, args[0], args[1], params)
			if err != nil {
				return fmt.Errorf("could not award karma: %w", err)
			}
			return printJSON(event)
		},
	}
	var cmdAppend = &cobra.Command{
		Use:   "append [user id] [points] [type] [reason]",
		Short: "Append a karma event",
		Long:  `append adds a karma event with explicit points and type to the ledger.`,
		Args:  cobra.RangeArgs(3, 4),
		RunE: func(cmd *cobra.Command, args []string) error {
			points, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil {
				return fmt.Errorf("points must be an integer: %w", err)
			}
			reason := ""
			if len(args) == 4 {
				reason = args[3]
			}
			event, err := a.ledger.Append(ctx, args[0], points, types.KarmaType(args[2]), reason)
			if err != nil {
				return fmt.Errorf("could not append karma event: %w", err)
			}
			return printJSON(event)
		},
	}
	var cmdTotal = &cobra.Command{
		Use:   "total [user id]",
		Short: "Show the karma total of a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			total, err := a.ledger.Total(ctx, args[0])
			if err != nil {
				return fmt.Errorf("could not get total: %w", err)
			}
			return printJSON(types.KarmaTotal{UserId: args[0], Total: total})
		},
	}
	var historyLimit int
	var historyCursor string
	var cmdHistory = &cobra.Command{
		Use:   "history [user id]",
		Short: "Show the karma history of a user",
		Long:  `history prints one page of karma events, newest first. Pass the printed next_cursor to --cursor for the following page.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			page, err := a.ledger.History(ctx, args[0], historyLimit, historyCursor)
			if err != nil {
				return fmt.Errorf("could not get history: %w", err)
			}
			return printJSON(page)
		},
	}
	cmdHistory.Flags().IntVar(&historyLimit, "limit", 0, "page size (0 for the default)")
	cmdHistory.Flags().StringVar(&historyCursor, "cursor", "", "cursor returned by the previous page")

	var leaderboardLimit int
	var cmdLeaderboard = &cobra.Command{
		Use:   "leaderboard",
		Short: "Show the top users",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			entries, err := a.leaderboard.Top(ctx, leaderboardLimit)
			if err != nil {
				return fmt.Errorf("could not get leaderboard: %w", err)
			}
			return printJSON(entries)
		},
	}
	cmdLeaderboard.Flags().IntVar(&leaderboardLimit, "limit", 10, "number of entries")

	var cmdRank = &cobra.Command{
		Use:   "rank [user id]",
		Short: "Show the leaderboard entry of a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			entry, err := a.leaderboard.Rank(ctx, args[0])
			if err != nil {
				return fmt.Errorf("could not get rank: %w", err)
			}
			return printJSON(entry)
		},
	}
	var cmdRules = &cobra.Command{
		Use:   "rules",
		Short: "Show the award rules",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := make([]config.RuleConfig, 0)
			for _, action := range a.rules.Actions() {
				rule, _ := a.rules.Rule(action)
				out = append(out, config.RuleConfig{Action: rule.Action, Type: string(rule.Type), Points: rule.Points, Reason: rule.Reason})
			}
			return printJSON(out)
		},
	}
	var tokenName string
	var tokenValidity time.Duration
	var cmdToken = &cobra.Command{
		Use:   "token [user id]",
		Short: "Issue a websocket token",
		Long:  `token signs an HS256 token for the given user with the configured jwt secret.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if a.cfg.AuthConfig.JWTSecret == "" {
				return errors.New("no jwt secret configured")
			}
			tok, err := auth.GenerateToken([]byte(a.cfg.AuthConfig.JWTSecret), a.cfg.AuthConfig.JWTIssuer, args[0], tokenName, tokenValidity)
			if err != nil {
				return fmt.Errorf("could not sign token: %w", err)
			}
			fmt.Println(tok)
			return nil
		},
	}
	cmdToken.Flags().StringVar(&tokenName, "name", "", "display name claim")
	cmdToken.Flags().DurationVar(&tokenValidity, "validity", 24*time.Hour, "token validity")

	var rootCmd = &cobra.Command{
		Use:          "lightspeed-karma-admin",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if a.ledger != nil {
				return nil
			}
			return a.setup(configPath, flagSet)
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if a.persister != nil {
				a.persister.Close()
			}
			return nil
		},
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file or directory")
	rootCmd.PersistentFlags().AddFlagSet(flagSet)
	rootCmd.AddCommand(cmdAward, cmdAppend, cmdTotal, cmdHistory, cmdLeaderboard, cmdRank, cmdRules, cmdToken)
	return rootCmd
}

// parseParams turns key=value pairs into expression parameters. Numbers are passed as numbers.
func parseParams(args []string) (map[string]interface{}, error) {
	params := make(map[string]interface{}, len(args))
	for _, arg := range args {
		key, value, ok := strings.Cut(arg, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid parameter %q, expected key=value", arg)
		}
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			params[key] = i
		} else if f, err := strconv.ParseFloat(value, 64); err == nil {
			params[key] = f
		} else if b, err := strconv.ParseBool(value); err == nil {
			params[key] = b
		} else {
			params[key] = value
		}
	}
	return params, nil
}

func printJSON(v interface{}) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("could not marshal result: %w", err)
	}
	fmt.Println(string(b))
	return nil
}
