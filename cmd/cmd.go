package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"slices"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/ollama/xlm/api"
	"github.com/ollama/xlm/envconfig"
	"github.com/ollama/xlm/gesture"
	"github.com/ollama/xlm/keyboard"
	"github.com/ollama/xlm/logutil"
	"github.com/ollama/xlm/runner/xlmrunner"
	"github.com/ollama/xlm/server"
	"github.com/ollama/xlm/version"
)

var errInvalidPoints = errors.New("points must look like x,y;x,y")

// suggester is satisfied by the API client and by a runner loaded in process
type suggester interface {
	Predict(context.Context, *api.PredictRequest) (*api.SuggestResponse, error)
	Correct(context.Context, *api.CorrectRequest) (*api.SuggestResponse, error)
}

type localSuggester struct {
	runner *xlmrunner.Runner
}

func (l localSuggester) Predict(_ context.Context, req *api.PredictRequest) (*api.SuggestResponse, error) {
	return response(l.runner.PredictNextWord(req.Context)), nil
}

func (l localSuggester) Correct(_ context.Context, req *api.CorrectRequest) (*api.SuggestResponse, error) {
	mode := xlmrunner.InputModeTap
	if req.Swipe {
		mode = xlmrunner.InputModeSwipe
	}

	points := make([]gesture.Point, len(req.Points))
	for i, p := range req.Points {
		points[i] = gesture.Point{X: p.X, Y: p.Y}
	}

	return response(l.runner.Suggest(xlmrunner.SuggestRequest{
		Context:     req.Context,
		PartialWord: strings.Repeat("?", len(points)),
		InputMode:   mode,
		Points:      points,
	})), nil
}

func response(suggestions []xlmrunner.Suggestion) *api.SuggestResponse {
	var resp api.SuggestResponse
	for _, s := range suggestions {
		resp.Suggestions = append(resp.Suggestions, api.Suggestion{Text: s.Text, Probability: s.Probability})
	}
	return &resp
}

func newSuggester(cmd *cobra.Command) (suggester, error) {
	if local, _ := cmd.Flags().GetBool("local"); local {
		slog.SetDefault(logutil.NewLogger(os.Stderr, envconfig.LogLevel()))

		runner, err := server.Load()
		if err != nil {
			return nil, err
		}

		return localSuggester{runner: runner}, nil
	}

	client, err := api.ClientFromEnvironment()
	if err != nil {
		return nil, err
	}

	if err := client.Heartbeat(cmd.Context()); err != nil {
		return nil, fmt.Errorf("could not connect to xlm server, run 'xlm serve' or pass --local: %w", err)
	}

	return client, nil
}

func PredictHandler(cmd *cobra.Command, args []string) error {
	s, err := newSuggester(cmd)
	if err != nil {
		return err
	}

	resp, err := s.Predict(cmd.Context(), &api.PredictRequest{Context: strings.Join(args, " ")})
	if err != nil {
		return err
	}

	return printSuggestions(cmd.OutOrStdout(), isTerminal(cmd.OutOrStdout()), resp.Suggestions)
}

func CorrectHandler(cmd *cobra.Command, args []string) error {
	swipe, _ := cmd.Flags().GetBool("swipe")
	raw, _ := cmd.Flags().GetString("points")

	var points []api.Point
	if raw != "" {
		var err error
		if points, err = parsePoints(raw); err != nil {
			return err
		}
	} else {
		layout, err := keyboard.Load(envconfig.Layout())
		if err != nil {
			return err
		}

		for _, p := range layout.Points(args[len(args)-1]) {
			points = append(points, api.Point{X: p.X, Y: p.Y})
		}
	}

	if len(points) == 0 {
		return errors.New("word has no keys on the layout")
	}

	s, err := newSuggester(cmd)
	if err != nil {
		return err
	}

	resp, err := s.Correct(cmd.Context(), &api.CorrectRequest{
		Context: strings.Join(args[:len(args)-1], " "),
		Points:  points,
		Swipe:   swipe,
	})
	if err != nil {
		return err
	}

	return printSuggestions(cmd.OutOrStdout(), isTerminal(cmd.OutOrStdout()), resp.Suggestions)
}

// parsePoints reads semicolon separated x,y pairs
func parsePoints(s string) ([]api.Point, error) {
	var points []api.Point
	for pair := range strings.SplitSeq(s, ";") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}

		xs, ys, ok := strings.Cut(pair, ",")
		if !ok {
			return nil, fmt.Errorf("%w: %q", errInvalidPoints, pair)
		}

		x, err := strconv.Atoi(strings.TrimSpace(xs))
		if err != nil {
			return nil, fmt.Errorf("%w: %q", errInvalidPoints, pair)
		}

		y, err := strconv.Atoi(strings.TrimSpace(ys))
		if err != nil {
			return nil, fmt.Errorf("%w: %q", errInvalidPoints, pair)
		}

		points = append(points, api.Point{X: x, Y: y})
	}

	return points, nil
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

func printSuggestions(w io.Writer, tty bool, suggestions []api.Suggestion) error {
	if !tty {
		for _, s := range suggestions {
			if _, err := fmt.Fprintf(w, "%s\t%.4f\n", s.Text, s.Probability); err != nil {
				return err
			}
		}
		return nil
	}

	var data [][]string
	for _, s := range suggestions {
		data = append(data, []string{s.Text, fmt.Sprintf("%.1f%%", s.Probability*100)})
	}

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"SUGGESTION", "PROBABILITY"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	table.AppendBulk(data)
	table.Render()

	return nil
}

func EnvHandler(cmd *cobra.Command, _ []string) error {
	vars := envconfig.AsMap()
	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	var data [][]string
	for _, k := range keys {
		v := vars[k]
		data = append(data, []string{v.Name, fmt.Sprintf("%v", v.Value), v.Description})
	}

	table := tablewriter.NewWriter(cmd.OutOrStdout())
	table.SetHeader([]string{"NAME", "VALUE", "DESCRIPTION"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetAutoWrapText(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	table.AppendBulk(data)
	table.Render()

	return nil
}

func RunServer(_ *cobra.Command, _ []string) error {
	ln, err := net.Listen("tcp", envconfig.Host().Host)
	if err != nil {
		return err
	}

	return server.Serve(ln)
}

func envUsage(keys ...string) string {
	vars := envconfig.AsMap()

	var sb strings.Builder
	sb.WriteString("\nEnvironment Variables:\n")
	for _, k := range keys {
		v := vars[k]
		fmt.Fprintf(&sb, "      %-22s %s\n", v.Name, v.Description)
	}
	return sb.String()
}

func NewCLI() *cobra.Command {
	cobra.EnableCommandSorting = false

	rootCmd := &cobra.Command{
		Use:           "xlm",
		Short:         "Keyboard next word prediction and correction",
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		Run: func(cmd *cobra.Command, args []string) {
			if version, _ := cmd.Flags().GetBool("version"); version {
				versionHandler(cmd)
				return
			}

			cmd.Print(cmd.UsageString())
		},
	}

	rootCmd.Flags().BoolP("version", "v", false, "Show version information")

	serveCmd := &cobra.Command{
		Use:     "serve",
		Aliases: []string{"start"},
		Short:   "Start xlm",
		Args:    cobra.ExactArgs(0),
		RunE:    RunServer,
	}
	serveCmd.SetUsageTemplate(serveCmd.UsageTemplate() + envUsage(
		"XLM_DEBUG", "XLM_HOST", "XLM_MODEL", "XLM_TOKENIZER", "XLM_ENCODER", "XLM_LAYOUT",
		"XLM_CONTEXT_LENGTH", "XLM_KV_CACHE_TYPE", "XLM_NUM_THREADS", "XLM_REQUEST_TIMEOUT",
	))

	predictCmd := &cobra.Command{
		Use:   "predict CONTEXT",
		Short: "Suggest the next word",
		Args:  cobra.MinimumNArgs(1),
		RunE:  PredictHandler,
	}

	correctCmd := &cobra.Command{
		Use:   "correct [CONTEXT...] WORD",
		Short: "Suggest corrections for a typed or swiped word",
		Long:  "Suggest corrections for WORD. Touches default to the centre of each key of WORD on the configured layout.",
		Args:  cobra.MinimumNArgs(1),
		RunE:  CorrectHandler,
	}
	correctCmd.Flags().Bool("swipe", false, "Treat the points as a swipe")
	correctCmd.Flags().String("points", "", "Touch points as x,y;x,y instead of key centres")

	for _, cmd := range []*cobra.Command{predictCmd, correctCmd} {
		cmd.Flags().Bool("local", false, "Load the model in process instead of using the server")
	}

	envCmd := &cobra.Command{
		Use:   "env",
		Short: "Show environment configuration",
		Args:  cobra.ExactArgs(0),
		RunE:  EnvHandler,
	}

	rootCmd.AddCommand(serveCmd, predictCmd, correctCmd, envCmd)

	return rootCmd
}

func versionHandler(cmd *cobra.Command) {
	client, err := api.ClientFromEnvironment()
	if err != nil {
		return
	}

	serverVersion, err := client.Version(cmd.Context())
	if err != nil {
		cmd.Println("Warning: could not connect to a running xlm instance")
	}

	if serverVersion != "" {
		cmd.Printf("xlm version is %s\n", serverVersion)
	}

	if serverVersion != version.Version {
		cmd.Printf("Warning: client version is %s\n", version.Version)
	}
}
