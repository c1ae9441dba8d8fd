// Command ocr runs the local OCR pipeline on one file and prints the
// result as JSON.
package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"

	"github.com/joho/godotenv"

	"github.com/adverant/nexus/ocr-worker/internal/config"
	"github.com/adverant/nexus/ocr-worker/internal/logging"
	"github.com/adverant/nexus/ocr-worker/internal/pipeline"
	"github.com/adverant/nexus/ocr-worker/internal/processor"
)

func main() {
	file := flag.String("file", "", "PDF or image to recognize")
	mime := flag.String("mime", "", "declared MIME type (magic bytes win)")
	showProgress := flag.Bool("progress", false, "print page progress to stderr")
	flag.Parse()

	if *file == "" {
		flag.Usage()
		os.Exit(2)
	}

	if err := run(*file, *mime, *showProgress); err != nil {
		fmt.Fprintln(os.Stderr, "ocr:", err)
		os.Exit(1)
	}
}

func run(path, mime string, showProgress bool) error {
	_ = godotenv.Load(".env.nexus")

	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}
	logging.SetLevel(cfg.LogLevel)

	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	proc, err := processor.NewDocumentProcessor(&processor.ProcessorConfig{
		OCR:    cfg.OCR,
		Logger: logging.NewLogger("[ocr]"),
	})
	if err != nil {
		return err
	}
	defer proc.TerminateEngine()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	var progress chan pipeline.ProgressEvent
	printed := make(chan struct{})
	if showProgress {
		progress = make(chan pipeline.ProgressEvent, 16)
		go func() {
			defer close(printed)
			for ev := range progress {
				fmt.Fprintf(os.Stderr, "page %d/%d %s\n", ev.PageNum, ev.TotalPages, ev.Stage)
			}
		}()
	} else {
		close(printed)
	}

	res := proc.OCRFromDataURL(ctx, base64.StdEncoding.EncodeToString(data), mime, progress)
	if progress != nil {
		close(progress)
	}
	<-printed

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(res); err != nil {
		return err
	}

	if res.Failed() {
		return fmt.Errorf("recognition failed: %s", res.Engine)
	}
	return nil
}
