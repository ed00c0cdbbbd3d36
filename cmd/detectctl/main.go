// Command detectctl controls a running detection server.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/detection-server/internal/analysis"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/detection-server/internal/client"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/detection-server/internal/service"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/detection-server/pkg/types"
)

const (
	flagServer        = "server"
	flagJSON          = "json"
	flagClass         = "class"
	flagMinConfidence = "min-confidence"
	flagMaxDepth      = "max-depth"
	flagCount         = "count"
	flagModel         = "model"
)

var errStopWatch = errors.New("watch limit reached")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newApp(os.Stdout).RunContext(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "detectctl:", err)
		os.Exit(1)
	}
}

func newApp(out io.Writer) *cli.App {
	return &cli.App{
		Name:      "detectctl",
		Usage:     "control and inspect a detection server",
		Writer:    out,
		ErrWriter: os.Stderr,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    flagServer,
				Aliases: []string{"s"},
				Value:   "http://localhost:5000",
				EnvVars: []string{"DETECTION_SERVER"},
				Usage:   "server base URL",
			},
			&cli.BoolFlag{
				Name:  flagJSON,
				Usage: "print raw JSON",
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "health",
				Usage:  "show liveness and worker state",
				Action: func(c *cli.Context) error { return show(c, apiClient(c).Health) },
			},
			{
				Name:   "start",
				Usage:  "start detection",
				Action: func(c *cli.Context) error { return show(c, apiClient(c).Start) },
			},
			{
				Name:   "stop",
				Usage:  "stop detection",
				Action: func(c *cli.Context) error { return show(c, apiClient(c).Stop) },
			},
			{
				Name:   "status",
				Usage:  "show server status",
				Action: func(c *cli.Context) error { return show(c, apiClient(c).Status) },
			},
			{
				Name:  "summary",
				Usage: "show per-class counts and average depth",
				Action: func(c *cli.Context) error {
					sum, err := apiClient(c).Summary(c.Context)
					if err != nil {
						return err
					}
					if c.Bool(flagJSON) {
						return printJSON(c.App.Writer, sum)
					}
					printSummary(c.App.Writer, sum)
					return nil
				},
			},
			{
				Name:  "query",
				Usage: "filter the current detections",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: flagClass, Usage: "class label"},
					&cli.Float64Flag{Name: flagMinConfidence, Value: analysis.DefaultMinConfidence, Usage: "confidence floor"},
					&cli.Float64Flag{Name: flagMaxDepth, Usage: "maximum distance in meters"},
				},
				Action: func(c *cli.Context) error {
					f := analysis.NewFilter()
					f.Class = c.String(flagClass)
					f.MinConfidence = c.Float64(flagMinConfidence)
					if c.IsSet(flagMaxDepth) {
						d := c.Float64(flagMaxDepth)
						f.MaxDepth = &d
					}
					res, err := apiClient(c).Query(c.Context, f)
					if err != nil {
						return err
					}
					if c.Bool(flagJSON) {
						return printJSON(c.App.Writer, res)
					}
					printDetections(c.App.Writer, res.Results)
					return nil
				},
			},
			{
				Name:  "watch",
				Usage: "follow the detection stream",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: flagCount, Aliases: []string{"n"}, Usage: "stop after N events (0 = forever)"},
				},
				Action: func(c *cli.Context) error {
					limit := c.Int(flagCount)
					seen := 0
					err := apiClient(c).Watch(c.Context, func(ev service.StreamEvent) error {
						if c.Bool(flagJSON) {
							if err := printJSON(c.App.Writer, ev); err != nil {
								return err
							}
						} else {
							fmt.Fprintf(c.App.Writer, "%s  %d object(s)  %s\n",
								ev.Timestamp.Format("15:04:05.000"), ev.Count, describe(ev.Detections))
						}
						seen++
						if limit > 0 && seen >= limit {
							return errStopWatch
						}
						return nil
					})
					if errors.Is(err, errStopWatch) {
						return nil
					}
					return err
				},
			},
			{
				Name:      "ask",
				Usage:     "ask the language model about the current scene",
				ArgsUsage: "QUESTION",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: flagModel, Usage: "model name (server default if empty)"},
				},
				Action: func(c *cli.Context) error {
					question := strings.Join(c.Args().Slice(), " ")
					if question == "" {
						return cli.Exit("a question is required", 2)
					}
					res, err := apiClient(c).Ask(c.Context, question, c.String(flagModel))
					if err != nil {
						return err
					}
					if c.Bool(flagJSON) {
						return printJSON(c.App.Writer, res)
					}
					fmt.Fprintln(c.App.Writer, res.Response)
					return nil
				},
			},
		},
	}
}

func apiClient(c *cli.Context) *client.Client {
	return client.New(c.String(flagServer))
}

// show calls fn and prints its result as JSON
func show[T any](c *cli.Context, fn func(context.Context) (T, error)) error {
	v, err := fn(c.Context)
	if err != nil {
		return err
	}
	return printJSON(c.App.Writer, v)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printSummary(w io.Writer, sum types.Summary) {
	fmt.Fprintf(w, "%d object(s) at %s\n", sum.TotalObjects, sum.Timestamp.Format("15:04:05"))
	for _, obj := range sum.Objects {
		avg := "-"
		if obj.AverageDepth != nil {
			avg = fmt.Sprintf("%.2fm", *obj.AverageDepth)
		}
		fmt.Fprintf(w, "  %-12s %3d  avg %s\n", obj.Class, obj.Count, avg)
	}
}

func printDetections(w io.Writer, dets []types.Detection) {
	if len(dets) == 0 {
		fmt.Fprintln(w, "no matches")
		return
	}
	for _, d := range dets {
		depth := "-"
		if d.DepthValid {
			depth = fmt.Sprintf("%.2fm", d.Depth)
		}
		b := d.BBox
		fmt.Fprintf(w, "  %-12s %.2f  %6s  [%d %d %d %d]\n", d.Class, d.Confidence, depth, b.StartX, b.StartY, b.EndX, b.EndY)
	}
}

func describe(dets []types.Detection) string {
	parts := make([]string, 0, len(dets))
	for _, d := range dets {
		if d.DepthValid {
			parts = append(parts, fmt.Sprintf("%s@%.1fm", d.Class, d.Depth))
		} else {
			parts = append(parts, d.Class)
		}
	}
	return strings.Join(parts, ", ")
}
