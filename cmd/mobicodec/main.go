package main

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/davecgh/go-spew/spew"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/yuanying/mobicodec/internal/book"
	"github.com/yuanying/mobicodec/internal/converter"
	"github.com/yuanying/mobicodec/internal/mobi"
)

const envPrefix = "MOBICODEC_"

// cliOptions are the validated repack settings.
type cliOptions struct {
	InputPath      string
	OutputPath     string
	Compression    uint16
	Thumbnail      bool
	ThumbnailWidth int
	LegacyMarkup   bool
	Contributor    string
	Logger         *slog.Logger
}

var compressionNames = map[string]uint16{
	"none":    mobi.CompressionNone,
	"palmdoc": mobi.CompressionPalmDoc,
}

// envDefault returns the MOBICODEC_-prefixed environment value for key, or
// fallback when it is unset.
func envDefault(key, fallback string) string {
	if v, ok := os.LookupEnv(envPrefix + key); ok && v != "" {
		return v
	}
	return fallback
}

// loadEnvFile loads defaults from a .env file. A missing file is not an error.
func loadEnvFile(path string) error {
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "mobicodec",
		Short: "Read and rebuild MOBI (MOBI6/PRC) ebooks",
		Long: `mobicodec parses MOBI ebooks into chapters, metadata and images and
builds new MOBI6 files from them.`,
		SilenceUsage: true,
	}

	flags := root.PersistentFlags()
	flags.String("log-level", envDefault("LOG_LEVEL", "info"), "Log level: debug, info, warn, error")
	flags.String("log-format", envDefault("LOG_FORMAT", "text"), "Log format: text, json")
	flags.BoolP("verbose", "v", false, "Enable debug logging (overrides --log-level)")

	root.AddCommand(newInfoCmd(), newRepackCmd())
	return root
}

func newInfoCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "info FILE",
		Short: "Show metadata, chapters and images of a MOBI file",
		Args:  cobra.ExactArgs(1),
		RunE:  runInfo,
	}
	cmd.Flags().Bool("dump", false, "Dump the parsed headers")
	return cmd
}

func newRepackCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "repack INPUT",
		Short: "Parse a MOBI file and build it again",
		Args:  cobra.ExactArgs(1),
		RunE:  runRepack,
	}
	flags := cmd.Flags()
	flags.StringP("output", "o", "", "Output file path (default: input with -repacked.mobi suffix)")
	flags.String("compression", envDefault("COMPRESSION", "palmdoc"), "Text compression: none, palmdoc")
	flags.Bool("thumbnail", false, "Add a cover thumbnail record")
	flags.Int("thumbnail-width", converter.DefaultThumbnailWidth, "Cover thumbnail width in pixels")
	flags.Bool("legacy-markup", false, "Rewrite HTML5 sectioning tags for old readers")
	flags.String("contributor", "", "Contributor written to EXTH 108")
	return cmd
}

// readLogger validates the global logging flags and builds the logger.
func readLogger(cmd *cobra.Command) (*slog.Logger, error) {
	level, _ := cmd.Flags().GetString("log-level")
	format, _ := cmd.Flags().GetString("log-format")
	verbose, _ := cmd.Flags().GetBool("verbose")

	level = strings.ToLower(level)
	switch level {
	case "debug", "info", "warn", "error":
	default:
		return nil, fmt.Errorf("invalid --log-level %q (want debug, info, warn or error)", level)
	}
	format = strings.ToLower(format)
	if format != "text" && format != "json" {
		return nil, fmt.Errorf("invalid --log-format %q (want text or json)", format)
	}
	if verbose {
		level = "debug"
	}
	return buildLogger(cmd.ErrOrStderr(), level, format), nil
}

// readCLIOptions validates the repack flags.
func readCLIOptions(cmd *cobra.Command, args []string) (cliOptions, error) {
	logger, err := readLogger(cmd)
	if err != nil {
		return cliOptions{}, err
	}

	flags := cmd.Flags()
	output, _ := flags.GetString("output")
	compressionName, _ := flags.GetString("compression")
	thumbnail, _ := flags.GetBool("thumbnail")
	thumbnailWidth, _ := flags.GetInt("thumbnail-width")
	legacy, _ := flags.GetBool("legacy-markup")
	contributor, _ := flags.GetString("contributor")

	compression, ok := compressionNames[strings.ToLower(compressionName)]
	if !ok {
		return cliOptions{}, fmt.Errorf("invalid --compression %q (want none or palmdoc)", compressionName)
	}
	if thumbnailWidth <= 0 {
		return cliOptions{}, fmt.Errorf("invalid --thumbnail-width %d (must be positive)", thumbnailWidth)
	}

	input := args[0]
	if output == "" {
		output = defaultOutputPath(input)
	}
	if filepath.Clean(output) == filepath.Clean(input) {
		return cliOptions{}, fmt.Errorf("--output must differ from the input file")
	}

	return cliOptions{
		InputPath:      input,
		OutputPath:     output,
		Compression:    compression,
		Thumbnail:      thumbnail,
		ThumbnailWidth: thumbnailWidth,
		LegacyMarkup:   legacy,
		Contributor:    contributor,
		Logger:         logger,
	}, nil
}

func buildLogger(w io.Writer, level, format string) *slog.Logger {
	var lv slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lv = slog.LevelDebug
	case "warn":
		lv = slog.LevelWarn
	case "error":
		lv = slog.LevelError
	default:
		lv = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lv}
	if strings.ToLower(format) == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func defaultOutputPath(input string) string {
	return strings.TrimSuffix(input, filepath.Ext(input)) + "-repacked.mobi"
}

func runRepack(cmd *cobra.Command, args []string) error {
	opts, err := readCLIOptions(cmd, args)
	if err != nil {
		return err
	}

	p := converter.NewPipeline(converter.Options{
		Compression:    opts.Compression,
		Thumbnail:      opts.Thumbnail,
		ThumbnailWidth: opts.ThumbnailWidth,
		LegacyMarkup:   opts.LegacyMarkup,
		Contributor:    opts.Contributor,
		Logger:         opts.Logger,
	})

	opts.Logger.Info("repacking", "input", opts.InputPath, "output", opts.OutputPath)
	doc, err := p.Repack(opts.InputPath, opts.OutputPath)
	if err != nil {
		return fmt.Errorf("repack failed: %w", err)
	}
	opts.Logger.Info("done", "output", opts.OutputPath, "chapters", len(doc.Chapters), "images", len(doc.Images))
	return nil
}

func runInfo(cmd *cobra.Command, args []string) error {
	logger, err := readLogger(cmd)
	if err != nil {
		return err
	}
	dump, _ := cmd.Flags().GetBool("dump")

	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", args[0], err)
	}
	doc, err := converter.NewPipeline(converter.Options{Logger: logger}).ParseBytes(data)
	if err != nil {
		return fmt.Errorf("failed to parse %s: %w", args[0], err)
	}

	out := cmd.OutOrStdout()
	printInfo(out, doc)

	if dump {
		c, err := mobi.Open(data)
		if err != nil {
			return err
		}
		cfg := spew.ConfigState{Indent: "  ", DisablePointerAddresses: true, DisableCapacities: true, MaxDepth: 4}
		fmt.Fprintln(out, "\nPDB header:")
		cfg.Fdump(out, c.PDB.Header)
		fmt.Fprintln(out, "PalmDOC header:")
		cfg.Fdump(out, c.Record0.PalmDOC)
		fmt.Fprintln(out, "MOBI header:")
		cfg.Fdump(out, c.Record0.MOBI)
		fmt.Fprintln(out, "Record layout:")
		cfg.Fdump(out, c.Layout)
	}
	return nil
}

func printInfo(w io.Writer, doc *book.Document) {
	field := func(name, value string) {
		if value != "" {
			fmt.Fprintf(w, "%-12s %s\n", name+":", value)
		}
	}
	field("Title", doc.Title)
	field("Author", doc.Author)
	field("Language", doc.Language)
	field("ISBN", doc.ISBN)
	field("Publisher", doc.Publisher)
	field("Published", doc.PublishDate)
	field("Rights", doc.Rights)
	field("Subjects", strings.Join(doc.Subjects, ", "))

	fmt.Fprintf(w, "\nChapters (%d):\n", len(doc.Chapters))
	for i, ch := range doc.Chapters {
		fmt.Fprintf(w, "  %3d. %s (%d bytes)\n", i+1, ch.Title, len(ch.HTML))
	}

	fmt.Fprintf(w, "\nImages (%d):\n", len(doc.Images))
	for i, img := range doc.Images {
		cover := ""
		if i+1 == doc.CoverImage {
			cover = " [cover]"
		}
		info, err := converter.DescribeImage(img)
		if err != nil {
			fmt.Fprintf(w, "  %s  unknown format, %d bytes%s\n", mobi.ImageFileName(i+1), len(img), cover)
			continue
		}
		fmt.Fprintf(w, "  %s  %s %dx%d, %d bytes%s\n", mobi.ImageFileName(i+1), info.Format, info.Width, info.Height, info.Size, cover)
	}
}

func main() {
	if err := loadEnvFile(".env"); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
