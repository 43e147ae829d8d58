package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/hanko-field/shiprate/internal/di"
	"github.com/hanko-field/shiprate/internal/platform/config"
	"github.com/hanko-field/shiprate/internal/platform/observability"
	"github.com/hanko-field/shiprate/internal/services"
)

var errInvalidInput = errors.New("shiprate: invalid input")

// evaluateInput.Rules is a partial document overlaid on the configured rules.
type evaluateInput struct {
	Package     services.ShippingPackage `json:"package"`
	Rules       json.RawMessage          `json:"rules,omitempty"`
	BypassCache bool                     `json:"bypassCache,omitempty"`
}

type evaluateOutput struct {
	EvaluationID string                    `json:"evaluationId"`
	Rates        []services.RateOffer      `json:"rates"`
	Notices      []services.Notice         `json:"notices"`
	Decision     services.ShippingDecision `json:"decision"`
}

func newApp() *cli.App {
	return &cli.App{
		Name:    "shiprate",
		Usage:   "Filter shipping rate offers by delivery class priority or order value",
		Version: fmt.Sprintf("%s (commit: %s)", version, commit),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "rules",
				Usage:   "Path to a YAML rules file with zone method catalogs and rule overrides",
				EnvVars: []string{"SHIPRATE_RULES_FILE"},
			},
			&cli.StringFlag{
				Name:  "env-file",
				Value: ".env",
				Usage: "Path to a .env file with SHIPRATE_* overrides",
			},
			&cli.BoolFlag{
				Name:    "debug",
				Usage:   "Log every decision step to stderr",
				EnvVars: []string{"SHIPRATE_DEBUG"},
			},
		},
		Commands: []*cli.Command{
			evaluateCommand(),
			labelCommand(),
			classesCommand(),
		},
	}
}

func evaluateCommand() *cli.Command {
	return &cli.Command{
		Name:  "evaluate",
		Usage: "Evaluate the rate offers of a package",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "input",
				Aliases:  []string{"i"},
				Usage:    "Path to the package JSON document, or - for stdin",
				Required: true,
			},
			&cli.StringFlag{
				Name:  "policy",
				Usage: "Override the configured policy (class_priority, value_threshold)",
			},
			&cli.BoolFlag{
				Name:  "pretty",
				Value: true,
				Usage: "Indent JSON output",
			},
		},
		Action: func(c *cli.Context) error {
			input, err := readEvaluateInput(c, c.String("input"))
			if err != nil {
				return err
			}
			container, err := buildContainer(c)
			if err != nil {
				return err
			}

			var rules *services.ShippingRules
			policy := strings.TrimSpace(c.String("policy"))
			if len(input.Rules) > 0 || policy != "" {
				merged, err := services.OverlayShippingRules(container.Shipping.Rules(), input.Rules)
				if err != nil {
					return err
				}
				if policy != "" {
					merged.Policy = services.ShippingPolicy(policy)
				}
				if _, err := services.NormalizeShippingRules(merged); err != nil {
					return err
				}
				rules = &merged
			}

			result := container.Shipping.Evaluate(c.Context, services.EvaluateShippingCommand{
				Package:     input.Package,
				Rules:       rules,
				BypassCache: input.BypassCache,
			})
			return writeJSON(c.App.Writer, c.Bool("pretty"), evaluateOutput{
				EvaluationID: ulid.Make().String(),
				Rates:        result.Rates,
				Notices:      result.Notices,
				Decision:     result.Decision,
			})
		},
	}
}

func labelCommand() *cli.Command {
	return &cli.Command{
		Name:  "label",
		Usage: "Print the display label of a rate offer",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "label",
				Aliases:  []string{"l"},
				Usage:    "Host label of the offer",
				Required: true,
			},
			&cli.StringFlag{
				Name:  "cost",
				Usage: "Offer cost; omit for an offer without cost",
			},
			&cli.StringFlag{
				Name:  "marker",
				Usage: "Free marker; defaults to the configured free label",
			},
			&cli.BoolFlag{
				Name:  "html",
				Usage: "Render the markup variant",
			},
		},
		Action: func(c *cli.Context) error {
			var cost *decimal.Decimal
			if raw := strings.TrimSpace(c.String("cost")); raw != "" {
				parsed, err := decimal.NewFromString(raw)
				if err != nil {
					return fmt.Errorf("%w: cost %q: %v", errInvalidInput, raw, err)
				}
				cost = &parsed
			}
			container, err := buildContainer(c)
			if err != nil {
				return err
			}
			labels := container.Shipping.AnnotateLabels(c.Context, services.AnnotateLabelsCommand{
				Offers: []services.RateOffer{{Label: c.String("label"), Cost: cost}},
				Marker: c.String("marker"),
				HTML:   c.Bool("html"),
			})
			_, err = fmt.Fprintln(c.App.Writer, labels[0].Label)
			return err
		},
	}
}

func classesCommand() *cli.Command {
	return &cli.Command{
		Name:  "classes",
		Usage: "List the delivery classes of a package and the winning priority class",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "input",
				Aliases:  []string{"i"},
				Usage:    "Path to the package JSON document, or - for stdin",
				Required: true,
			},
		},
		Action: func(c *cli.Context) error {
			input, err := readEvaluateInput(c, c.String("input"))
			if err != nil {
				return err
			}
			container, err := buildContainer(c)
			if err != nil {
				return err
			}
			rules, err := services.OverlayShippingRules(container.Shipping.Rules(), input.Rules)
			if err != nil {
				return err
			}
			priorities := rules.PriorityClasses
			classes := services.ExtractDeliveryClasses(input.Package.Items)
			priority, _ := services.ResolvePriorityClass(classes, priorities)
			return writeJSON(c.App.Writer, true, map[string]any{
				"classes":       classes,
				"priorities":    priorities,
				"priorityClass": priority,
			})
		},
	}
}

func buildContainer(c *cli.Context) (*di.Container, error) {
	env := map[string]string{}
	if path := strings.TrimSpace(c.String("rules")); path != "" {
		env["SHIPRATE_RULES_FILE"] = path
	}
	if c.Bool("debug") {
		env["SHIPRATE_DEBUG"] = "true"
	}
	cfg, err := config.Load(c.Context, config.WithEnvFile(c.String("env-file")), config.WithEnvMap(env))
	if err != nil {
		return nil, err
	}

	logger := zap.NewNop()
	if cfg.Logging.Debug {
		built, err := observability.NewLogger(true, "stderr")
		if err != nil {
			return nil, err
		}
		logger = built
	}
	return di.NewContainer(c.Context, cfg, logger)
}

func readEvaluateInput(c *cli.Context, path string) (evaluateInput, error) {
	var reader io.Reader
	if path == "-" {
		reader = c.App.Reader
	} else {
		file, err := os.Open(path)
		if err != nil {
			return evaluateInput{}, fmt.Errorf("%w: %v", errInvalidInput, err)
		}
		defer file.Close()
		reader = file
	}

	var input evaluateInput
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&input); err != nil {
		return evaluateInput{}, fmt.Errorf("%w: %v", errInvalidInput, err)
	}
	return input, nil
}

func writeJSON(w io.Writer, pretty bool, payload any) error {
	enc := json.NewEncoder(w)
	if pretty {
		enc.SetIndent("", "  ")
	}
	return enc.Encode(payload)
}
