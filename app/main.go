package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/go-pkgz/lgr"
	"github.com/hashicorp/go-multierror"
	"github.com/jessevdk/go-flags"
	"github.com/nats-io/nats.go"
	"golang.org/x/sync/errgroup"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/umputun/comment-gate/app/events"
	"github.com/umputun/comment-gate/app/server"
	"github.com/umputun/comment-gate/app/storage"
	"github.com/umputun/comment-gate/app/storage/engine"
	"github.com/umputun/comment-gate/lib/broadcast"
	"github.com/umputun/comment-gate/lib/inference"
	"github.com/umputun/comment-gate/lib/moderation"
	"github.com/umputun/comment-gate/lib/submission"
	"github.com/umputun/comment-gate/lib/tokenizer"
	"github.com/umputun/comment-gate/lib/vocab"
)

type options struct {
	Vocab struct {
		File   string `long:"file" env:"FILE" default:"data/vocab.json" description:"vocabulary json file"`
		DB     string `long:"db" env:"DB" description:"vocabulary database, sqlite file or postgres url, file is used directly if empty"`
		GID    string `long:"gid" env:"GID" default:"default" description:"vocabulary group id in the database"`
		Import bool   `long:"import" env:"IMPORT" description:"import vocabulary file into the database before start"`
	} `group:"vocab" namespace:"vocab" env-namespace:"VOCAB"`

	Model struct {
		Location    string        `long:"location" env:"LOCATION" default:"data/model.json" description:"model file or url, serving endpoint for serving kind"`
		Kind        string        `long:"kind" env:"KIND" choice:"layers" choice:"serving" default:"layers" description:"model backend"`
		LoadTimeout time.Duration `long:"load-timeout" env:"LOAD_TIMEOUT" default:"0s" description:"max time to load the model, no limit if 0"`
		Timeout     time.Duration `long:"timeout" env:"TIMEOUT" default:"30s" description:"http client timeout for remote models"`
		Retries     int           `long:"retries" env:"RETRIES" default:"3" description:"attempts to load a remote model"`
		RetryDelay  time.Duration `long:"retry-delay" env:"RETRY_DELAY" default:"1s" description:"delay between load attempts"`
		CacheTTL    time.Duration `long:"cache-ttl" env:"CACHE_TTL" default:"0s" description:"ttl of cached predictions, disabled if 0"`
		Eager       bool          `long:"eager" env:"EAGER" description:"load the model on start instead of the first submission"`
	} `group:"model" namespace:"model" env-namespace:"MODEL"`

	Hub struct {
		URL   string `long:"url" env:"URL" description:"websocket relay to join, i.e. ws://localhost:8080/ws"`
		Relay bool   `long:"relay" env:"RELAY" description:"serve websocket relay on /ws of the api server"`
	} `group:"hub" namespace:"hub" env-namespace:"HUB"`

	NATS struct {
		URL     string `long:"url" env:"URL" description:"nats server url, used instead of websocket relay if set"`
		Subject string `long:"subject" env:"SUBJECT" default:"comment-gate.comments" description:"nats subject for comments"`
	} `group:"nats" namespace:"nats" env-namespace:"NATS"`

	Server struct {
		Listen     string  `long:"listen" env:"LISTEN" description:"api server listen address, i.e. :8080, disabled if empty"`
		AuthPasswd string  `long:"auth" env:"AUTH" description:"basic auth password for user comment-gate"`
		RateLimit  float64 `long:"rate-limit" env:"RATE_LIMIT" default:"10" description:"max api requests per second per client"`
	} `group:"server" namespace:"server" env-namespace:"SERVER"`

	Logger struct {
		Enabled    bool   `long:"enabled" env:"ENABLED" description:"enable rotated log of rejected comments"`
		FileName   string `long:"file" env:"FILE" default:"comment-gate-rejected.log" description:"location of rejected comments log"`
		MaxSize    string `long:"max-size" env:"MAX_SIZE" default:"100M" description:"maximum size before it gets rotated"`
		MaxBackups int    `long:"max-backups" env:"MAX_BACKUPS" default:"10" description:"maximum number of old log files to retain"`
	} `group:"logger" namespace:"logger" env-namespace:"LOGGER"`

	EncodingLength int           `long:"encoding-length" env:"ENCODING_LENGTH" default:"20" description:"length of encoded sequence"`
	Overflow       string        `long:"overflow" env:"OVERFLOW" choice:"truncate" choice:"keep" default:"truncate" description:"what to do with texts longer than encoding length"`
	SpamThreshold  float64       `long:"spam-threshold" env:"SPAM_THRESHOLD" default:"0.5" description:"reject comments with spam probability above"`
	Identity       string        `long:"identity" env:"IDENTITY" default:"Anonymous" description:"author name of published comments"`
	SubmitTimeout  time.Duration `long:"submit-timeout" env:"SUBMIT_TIMEOUT" default:"0s" description:"max time for a single submission, no limit if 0"`
	Stdin          bool          `long:"stdin" env:"STDIN" description:"read comments from stdin, one per line"`
	NoColor        bool          `long:"no-color" env:"NO_COLOR" description:"disable colors in console output"`
	Dbg            bool          `long:"dbg" env:"DEBUG" description:"debug mode"`
}

var revision = "local"

func main() {
	fmt.Printf("comment-gate %s\n", revision)
	var opts options
	p := flags.NewParser(&opts, flags.PrintErrors|flags.PassDoubleDash|flags.HelpFlag)
	if _, err := p.Parse(); err != nil {
		var flagsErr *flags.Error
		if errors.As(err, &flagsErr) && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		log.Printf("[ERROR] cli error: %v", err)
		os.Exit(2)
	}

	setupLog(opts.Dbg, opts.Server.AuthPasswd)
	log.Printf("[DEBUG] options: %+v", opts)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		// catch signal and invoke graceful termination
		stop := make(chan os.Signal, 1)
		signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
		<-stop
		log.Printf("[WARN] interrupt signal")
		cancel()
	}()

	if err := execute(ctx, opts, os.Stdin, os.Stdout); err != nil {
		log.Printf("[ERROR] %v", err)
		os.Exit(1)
	}
}

// execute builds the pipeline and runs the configured inputs until they are done or ctx is canceled
func execute(ctx context.Context, opts options, in io.Reader, out io.Writer) error {
	if !opts.Stdin && opts.Server.Listen == "" && !opts.Vocab.Import {
		return errors.New("nothing to do, set --stdin or --server.listen")
	}

	voc, err := loadVocabulary(ctx, opts)
	if err != nil {
		return fmt.Errorf("can't load vocabulary, %w", err)
	}
	if !opts.Stdin && opts.Server.Listen == "" {
		return nil // import only
	}

	tk, err := tokenizer.New(voc, opts.EncodingLength, tokenizer.Overflow(opts.Overflow))
	if err != nil {
		return fmt.Errorf("can't make tokenizer, %w", err)
	}

	eng, err := makeEngine(ctx, opts)
	if err != nil {
		return fmt.Errorf("can't make inference engine, %w", err)
	}

	gate, err := moderation.NewGate(opts.SpamThreshold)
	if err != nil {
		return fmt.Errorf("can't make moderation gate, %w", err)
	}

	rejectWr, err := makeRejectLogWriter(opts)
	if err != nil {
		return fmt.Errorf("can't make reject log writer, %w", err)
	}
	defer rejectWr.Close()

	metrics := events.NewMetrics()
	identity := submission.NewIdentity(opts.Identity)

	var hub *broadcast.Hub
	if opts.Hub.Relay {
		hub = broadcast.NewHub(nil)
		hub.OnRelay = func(msg broadcast.Message) {
			log.Printf("[DEBUG] relayed comment from %s", msg.Username)
		}
		defer func() {
			if err := hub.Close(); err != nil {
				log.Printf("[WARN] can't close relay hub, %v", err)
			}
		}()
	}

	ch, closeCh, err := makeChannel(ctx, opts, hub)
	if err != nil {
		return fmt.Errorf("can't make broadcast channel, %w", err)
	}
	defer func() {
		if err := closeCh(); err != nil {
			log.Printf("[WARN] can't close broadcast channel, %v", err)
		}
	}()

	ctrl, err := submission.NewController(submission.Config{
		Encoder:    tk,
		Classifier: eng,
		Decider:    gate,
		Publisher:  ch,
		Renderer:   events.Multi{events.NewConsole(out, opts.NoColor), events.RejectLogger(rejectWr), metrics},
		Identity:   identity,
		Timeout:    opts.SubmitTimeout,
	})
	if err != nil {
		return fmt.Errorf("can't make submission controller, %w", err)
	}
	if ch != nil {
		ctrl.Attach(ch)
	}
	defer ctrl.Wait()

	g, gctx := errgroup.WithContext(ctx)
	if opts.Server.Listen != "" {
		srv := server.NewServer(server.Config{
			Version:    revision,
			ListenAddr: opts.Server.Listen,
			Controller: ctrl,
			Identity:   identity,
			Metrics:    metrics.Handler(),
			AuthPasswd: opts.Server.AuthPasswd,
			RateLimit:  opts.Server.RateLimit,
		})
		if hub != nil {
			srv.Hub = hub
		}
		g.Go(func() error { return srv.Run(gctx) })
	}

	if opts.Stdin {
		g.Go(func() error {
			if err := readSubmissions(gctx, ctrl, in); err != nil {
				return err
			}
			if opts.Server.Listen == "" {
				return nil // stdin only, done on eof
			}
			<-gctx.Done()
			return nil
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// readSubmissions submits every non-empty line from the reader and waits for the outcome before reading the next one
func readSubmissions(ctx context.Context, ctrl *submission.Controller, in io.Reader) error {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		pending, ok := ctrl.Submit(ctx, line)
		if !ok {
			log.Printf("[WARN] submission in progress, %q ignored", line)
			continue
		}
		if _, err := pending.Wait(ctx); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("can't read input, %w", err)
	}
	log.Printf("[DEBUG] input finished")
	return nil
}

// loadVocabulary reads vocabulary from the file or, if vocab.db set, from the database.
// With vocab.import the file is imported into the database first.
func loadVocabulary(ctx context.Context, opts options) (*vocab.Vocabulary, error) {
	file := expandPath(opts.Vocab.File)
	if opts.Vocab.DB == "" {
		if opts.Vocab.Import {
			return nil, errors.New("vocabulary import requires --vocab.db")
		}
		fh, err := os.Open(file) //nolint:gosec // file from cli options
		if err != nil {
			return nil, fmt.Errorf("can't open vocabulary file: %w", err)
		}
		defer fh.Close()
		voc, err := vocab.Load(fh)
		if err != nil {
			return nil, err
		}
		log.Printf("[INFO] vocabulary loaded from %s, words: %d", file, voc.Len())
		return voc, nil
	}

	db, err := engine.New(ctx, opts.Vocab.DB, opts.Vocab.GID)
	if err != nil {
		return nil, fmt.Errorf("can't open vocabulary db: %w", err)
	}
	defer db.Close()

	store, err := storage.NewVocabulary(ctx, db)
	if err != nil {
		return nil, err
	}

	if opts.Vocab.Import {
		fh, err := os.Open(file) //nolint:gosec // file from cli options
		if err != nil {
			return nil, fmt.Errorf("can't open vocabulary file: %w", err)
		}
		defer fh.Close()
		st, err := store.Import(ctx, fh, true)
		if err != nil {
			return nil, fmt.Errorf("can't import vocabulary: %w", err)
		}
		log.Printf("[INFO] vocabulary imported from %s, %s", file, st)
	}

	voc, err := store.Load(ctx)
	if err != nil {
		return nil, err
	}
	log.Printf("[INFO] vocabulary loaded from %s db, gid %q, words: %d", db.Type(), opts.Vocab.GID, voc.Len())
	return voc, nil
}

// makeEngine makes inference engine with the configured model backend, loads the model if eager
func makeEngine(ctx context.Context, opts options) (*inference.Engine, error) {
	client := &http.Client{Timeout: opts.Model.Timeout}
	var loader inference.Loader
	switch opts.Model.Kind {
	case "serving":
		loader = &inference.ServingLoader{URL: opts.Model.Location, HTTPClient: client, Length: opts.EncodingLength,
			Retries: opts.Model.Retries, RetryDelay: opts.Model.RetryDelay}
	default:
		location := opts.Model.Location
		if !strings.HasPrefix(location, "http://") && !strings.HasPrefix(location, "https://") {
			location = expandPath(location)
		}
		loader = &inference.LayersLoader{Location: location, HTTPClient: client,
			Retries: opts.Model.Retries, RetryDelay: opts.Model.RetryDelay}
	}

	eng, err := inference.NewEngine(inference.Config{Loader: loader, LoadTimeout: opts.Model.LoadTimeout,
		CacheTTL: opts.Model.CacheTTL})
	if err != nil {
		return nil, err
	}
	if opts.Model.Eager {
		if err := eng.Warmup(ctx); err != nil {
			return nil, fmt.Errorf("can't load model: %w", err)
		}
	}
	log.Printf("[INFO] inference engine: %s model at %s, eager: %v", opts.Model.Kind, opts.Model.Location, opts.Model.Eager)
	return eng, nil
}

// makeChannel picks the broadcast transport. With relay enabled and no hub url the local participant
// joins the relay hub served by this process. Nil channel returned if nothing is configured.
func makeChannel(ctx context.Context, opts options, hub *broadcast.Hub) (ch broadcast.Channel, closeFn func() error, err error) {
	switch {
	case hub != nil && opts.Hub.URL == "":
		if opts.NATS.URL != "" {
			log.Printf("[WARN] nats %s ignored, local relay on /ws is used for broadcast", opts.NATS.URL)
		}
		hch := hub.Join()
		log.Printf("[INFO] broadcast over local websocket relay")
		return hch, hch.Close, nil
	case opts.NATS.URL != "":
		conn, err := nats.Connect(opts.NATS.URL, nats.Name("comment-gate"), nats.MaxReconnects(-1))
		if err != nil {
			return nil, nil, fmt.Errorf("can't connect to nats %s: %w", opts.NATS.URL, err)
		}
		nch, err := broadcast.NewNATSChannel(conn, opts.NATS.Subject)
		if err != nil {
			conn.Close()
			return nil, nil, err
		}
		log.Printf("[INFO] broadcast over nats %s, subject %s", opts.NATS.URL, opts.NATS.Subject)
		return nch, func() error {
			errs := new(multierror.Error)
			errs = multierror.Append(errs, nch.Close(), conn.Drain())
			return errs.ErrorOrNil()
		}, nil
	case opts.Hub.URL != "":
		wch, err := broadcast.DialWS(ctx, opts.Hub.URL, nil)
		if err != nil {
			return nil, nil, err
		}
		log.Printf("[INFO] broadcast over websocket relay %s", opts.Hub.URL)
		return wch, wch.Close, nil
	default:
		log.Printf("[INFO] no broadcast configured, accepted comments are not published")
		return nil, func() error { return nil }, nil
	}
}

// makeRejectLogWriter creates writer for the log of rejected comments
// it parses options and makes lumberjack logger with rotation
func makeRejectLogWriter(opts options) (accessLog io.WriteCloser, err error) {
	if !opts.Logger.Enabled {
		return nopWriteCloser{io.Discard}, nil
	}

	maxSize, perr := sizeParse(opts.Logger.MaxSize)
	if perr != nil {
		return nil, fmt.Errorf("can't parse logger MaxSize: %w", perr)
	}
	maxSize /= 1048576

	log.Printf("[INFO] reject log enabled for %s, max size %dM", opts.Logger.FileName, maxSize)
	return &lumberjack.Logger{
		Filename:   opts.Logger.FileName,
		MaxSize:    int(maxSize), // in MB
		MaxBackups: opts.Logger.MaxBackups,
		Compress:   true,
		LocalTime:  true,
	}, nil
}

// sizeParse converts size with optional k/m/g/t suffix to bytes
func sizeParse(inp string) (uint64, error) {
	if inp == "" {
		return 0, errors.New("empty value")
	}
	for i, sfx := range []string{"k", "m", "g", "t"} {
		if strings.HasSuffix(inp, strings.ToUpper(sfx)) || strings.HasSuffix(inp, strings.ToLower(sfx)) {
			val, err := strconv.Atoi(inp[:len(inp)-1])
			if err != nil {
				return 0, fmt.Errorf("can't parse %s: %w", inp, err)
			}
			return uint64(float64(val) * math.Pow(float64(1024), float64(i+1))), nil
		}
	}
	return strconv.ParseUint(inp, 10, 64)
}

// expandPath expands ~ to home dir and makes relative paths absolute
func expandPath(path string) string {
	if path == "" {
		return ""
	}
	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[1:])
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return path
	}
	return abs
}

type nopWriteCloser struct{ io.Writer }

func (n nopWriteCloser) Close() error { return nil }

func setupLog(dbg bool, secrets ...string) {
	logOpts := []lgr.Option{lgr.Msec, lgr.LevelBraces, lgr.StackTraceOnError}
	if dbg {
		logOpts = []lgr.Option{lgr.Debug, lgr.CallerFile, lgr.CallerFunc, lgr.Msec, lgr.LevelBraces, lgr.StackTraceOnError}
	}

	colorizer := lgr.Mapper{
		ErrorFunc:  func(s string) string { return color.New(color.FgHiRed).Sprint(s) },
		WarnFunc:   func(s string) string { return color.New(color.FgRed).Sprint(s) },
		InfoFunc:   func(s string) string { return color.New(color.FgYellow).Sprint(s) },
		DebugFunc:  func(s string) string { return color.New(color.FgWhite).Sprint(s) },
		CallerFunc: func(s string) string { return color.New(color.FgBlue).Sprint(s) },
		TimeFunc:   func(s string) string { return color.New(color.FgCyan).Sprint(s) },
	}
	logOpts = append(logOpts, lgr.Map(colorizer))

	var nonEmpty []string
	for _, s := range secrets {
		if s != "" {
			nonEmpty = append(nonEmpty, s)
		}
	}
	if len(nonEmpty) > 0 {
		logOpts = append(logOpts, lgr.Secret(nonEmpty...))
	}
	lgr.SetupStdLogger(logOpts...)
	lgr.Setup(logOpts...)
}
