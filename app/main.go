package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/robfig/cron/v3"
	"github.com/umputun/go-flags"
	"golang.org/x/crypto/bcrypt"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/modeleval/modeleval/app/conditions"
	"github.com/modeleval/modeleval/app/llm"
	"github.com/modeleval/modeleval/app/notify"
	"github.com/modeleval/modeleval/app/service"
	"github.com/modeleval/modeleval/app/store"
	"github.com/modeleval/modeleval/app/survey"
	"github.com/modeleval/modeleval/app/web"
	"github.com/modeleval/modeleval/app/web/enums"
	"github.com/modeleval/modeleval/app/workflow"
)

var opts struct {
	Listen    string `short:"l" long:"listen" env:"MODELEVAL_LISTEN" default:":8080" description:"listen address"`
	DB        string `long:"db" env:"MODELEVAL_DB" default:"var/modeleval.db" description:"sqlite database path"`
	UploadDir string `long:"upload-dir" env:"MODELEVAL_UPLOAD_DIR" default:"var/uploads" description:"uploaded files location"`
	OutputDir string `long:"output-dir" env:"MODELEVAL_OUTPUT_DIR" default:"var/outputs" description:"generated files location"`
	Schema    bool   `long:"schema" description:"print models config json schema and exit"`

	LLM struct {
		Config    string `long:"config" env:"CONFIG" default:"models.yml" description:"models config file"`
		Framework string `long:"framework" env:"FRAMEWORK" description:"survey framework file, built-in used if empty"`
	} `group:"llm" namespace:"llm" env-namespace:"MODELEVAL_LLM"`

	Service struct {
		Concurrency   int           `long:"concurrency" env:"CONCURRENCY" default:"2" description:"parallel task executions"`
		QueueSize     int           `long:"queue" env:"QUEUE" default:"100" description:"pending task queue size"`
		MaxUploadMB   int64         `long:"max-upload" env:"MAX_UPLOAD" default:"16" description:"max upload size, MB"`
		Retention     time.Duration `long:"retention" env:"RETENTION" description:"remove terminal tasks older than this, 0 disables"`
		RetentionCron string        `long:"retention-cron" env:"RETENTION_CRON" default:"0 3 * * *" description:"cleanup schedule"`
	} `group:"service" namespace:"service" env-namespace:"MODELEVAL_SERVICE"`

	Conditions struct {
		CPUBelow      int           `long:"cpu-below" env:"CPU_BELOW" default:"-1" description:"run tasks only when cpu %% below, -1 disables"`
		MemoryBelow   int           `long:"memory-below" env:"MEMORY_BELOW" default:"-1" description:"run tasks only when memory %% below, -1 disables"`
		LoadAvgBelow  float64       `long:"loadavg-below" env:"LOADAVG_BELOW" default:"-1" description:"run tasks only when loadavg below, -1 disables"`
		DiskFreeAbove int           `long:"disk-free-above" env:"DISK_FREE_ABOVE" default:"-1" description:"run tasks only when disk free %% above, -1 disables"`
		DiskPath      string        `long:"disk-path" env:"DISK_PATH" default:"/" description:"path checked for free disk space"`
		CheckInterval time.Duration `long:"interval" env:"INTERVAL" default:"30s" description:"conditions re-check interval"`
		MaxPostpone   time.Duration `long:"max-postpone" env:"MAX_POSTPONE" description:"max task delay waiting for conditions"`
	} `group:"conditions" namespace:"conditions" env-namespace:"MODELEVAL_CONDITIONS"`

	Notify struct {
		EnabledError      bool          `long:"enabled-error" env:"ENABLED_ERROR" description:"enable notifications on errors"`
		EnabledCompletion bool          `long:"enabled-complete" env:"ENABLED_COMPLETE" description:"enable completion notifications"`
		ErrorTemplate     string        `long:"err-template" env:"ERR_TEMPLATE" description:"error template file"`
		CompletTemplate   string        `long:"complete-template" env:"COMPLETE_TEMPLATE" description:"completion template file"`
		SMTPHost          string        `long:"smtp-host" env:"SMTP_HOST" description:"SMTP host"`
		SMTPPort          int           `long:"smtp-port" env:"SMTP_PORT" description:"SMTP port"`
		SMTPUsername      string        `long:"smtp-username" env:"SMTP_USERNAME" description:"SMTP user name"`
		SMTPPassword      string        `long:"smtp-password" env:"SMTP_PASSWORD" description:"SMTP password"`
		SMTPTLS           bool          `long:"smtp-tls" env:"SMTP_TLS" description:"enable SMTP TLS"`
		SMTPStartTLS      bool          `long:"smtp-starttls" env:"SMTP_STARTTLS" description:"enable SMTP StartTLS"`
		SMTPTimeOut       time.Duration `long:"smtp-timeout" env:"SMTP_TIMEOUT" default:"10s" description:"SMTP TCP connection timeout"`
		From              string        `long:"from" env:"FROM" description:"SMTP from email"`
		To                []string      `long:"to" env:"TO" description:"SMTP to email(s)" env-delim:","`
		WebhookURLs       []string      `long:"webhook" env:"WEBHOOK" description:"webhook notification urls" env-delim:","`
		WebhookHeaders    []string      `long:"webhook-header" env:"WEBHOOK_HEADERS" description:"webhook headers 'Header:Value'" env-delim:","`
		HostName          string        `long:"host" env:"HOSTNAME" description:"host name reported in notifications"`
	} `group:"notify" namespace:"notify" env-namespace:"MODELEVAL_NOTIFY"`

	Auth struct {
		Password string        `long:"password" env:"PASSWORD" description:"api password, empty disables auth"`
		TTL      time.Duration `long:"ttl" env:"TTL" default:"24h" description:"login session ttl"`
	} `group:"auth" namespace:"auth" env-namespace:"MODELEVAL_AUTH"`

	LogEnabled bool   `long:"log" env:"MODELEVAL_LOG" description:"enable file logging"`
	LogFile    string `long:"log-file" env:"MODELEVAL_LOG_FILE" default:"var/modeleval.log" description:"log file location"`
	Dbg        bool   `long:"dbg" env:"MODELEVAL_DEBUG" description:"debug mode"`
}

var revision = "unknown"

func main() {
	fmt.Printf("modeleval %s\n", revision)

	if _, err := flags.Parse(&opts); err != nil {
		os.Exit(2)
	}

	if opts.Schema {
		if err := printSchema(); err != nil {
			fmt.Fprintf(os.Stderr, "failed to generate schema: %v\n", err)
			os.Exit(1)
		}
		return
	}

	setupLogs(opts.LogEnabled, opts.Dbg)

	defer func() {
		if x := recover(); x != nil {
			log.Printf("[WARN] run time panic:\n%v", x)
			panic(x)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	signals(cancel) // handle SIGQUIT and SIGTERM

	if err := run(ctx); err != nil {
		log.Printf("[ERROR] %v", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	for _, dir := range []string{opts.UploadDir, opts.OutputDir} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("can't make dir %s: %w", dir, err)
		}
	}

	db, err := store.NewSQLite(opts.DB)
	if err != nil {
		return fmt.Errorf("can't open store %s: %w", opts.DB, err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Printf("[WARN] failed to close store, %v", err)
		}
	}()
	if err := db.Initialize(); err != nil {
		return fmt.Errorf("can't initialize store schema: %w", err)
	}

	registry, err := llm.LoadRegistry(opts.LLM.Config)
	if err != nil {
		return fmt.Errorf("can't load models config: %w", err)
	}
	log.Printf("[INFO] models config loaded, %d enabled", len(registry.Available()))

	var framework *survey.Framework
	if opts.LLM.Framework != "" {
		if framework, err = survey.LoadFramework(opts.LLM.Framework); err != nil {
			return fmt.Errorf("can't load survey framework: %w", err)
		}
	}

	wf := workflow.NewManager(db)

	runner := &service.Runner{
		Store: db,
		Executors: map[enums.TaskType]service.Executor{
			enums.TaskTypeQA: &service.QAExecutor{
				Client:    makeClientMaker(registry.Get),
				UploadDir: opts.UploadDir,
				OutputDir: opts.OutputDir,
			},
			enums.TaskTypeEvaluation: &service.EvalExecutor{
				Client:    makeClientMaker(registry.Get),
				Judge:     makeClientMaker(registry.GetEvaluation),
				UploadDir: opts.UploadDir,
			},
		},
		Concurrency:      opts.Service.Concurrency,
		QueueSize:        opts.Service.QueueSize,
		Conditions:       makeConditions(),
		ConditionChecker: conditionChecker{},
		CheckInterval:    opts.Conditions.CheckInterval,
		MaxPostpone:      opts.Conditions.MaxPostpone,
		Notifier:         makeNotifier(),
		Workflow:         wf,
		HostName:         makeHostName(),
		DeDup:            service.NewDeDup(true),
		Retention:        opts.Service.Retention,
		RetentionSpec:    opts.Service.RetentionCron,
		Cron:             cron.New(),
	}

	srv, err := web.New(web.Config{
		Store:        db,
		Runner:       runner,
		Workflow:     wf,
		Models:       registry,
		Framework:    framework,
		UploadDir:    opts.UploadDir,
		MaxUploadMB:  opts.Service.MaxUploadMB,
		Version:      revision,
		Hostname:     makeHostName(),
		PasswordHash: makePasswordHash(),
		LoginTTL:     opts.Auth.TTL,
	})
	if err != nil {
		return fmt.Errorf("can't create web server: %w", err)
	}

	go func() {
		if err := runner.Run(ctx); err != nil && ctx.Err() == nil {
			log.Printf("[ERROR] task runner terminated, %v", err)
		}
	}()

	return srv.Run(ctx, opts.Listen)
}

// makeClientMaker adapts a registry lookup to the executor's client factory
func makeClientMaker(get func(name string) (llm.ModelConfig, error)) service.ClientMaker {
	return func(name string) (service.Completer, error) {
		cfg, err := get(name)
		if err != nil {
			return nil, err
		}
		return llm.NewClient(cfg, nil), nil
	}
}

func makeConditions() conditions.Config {
	cfg := conditions.Config{DiskFreePath: opts.Conditions.DiskPath}
	if v := opts.Conditions.CPUBelow; v >= 0 {
		cfg.CPUBelow = &v
	}
	if v := opts.Conditions.MemoryBelow; v >= 0 {
		cfg.MemoryBelow = &v
	}
	if v := opts.Conditions.LoadAvgBelow; v >= 0 {
		cfg.LoadAvgBelow = &v
	}
	if v := opts.Conditions.DiskFreeAbove; v >= 0 {
		cfg.DiskFreeAbove = &v
	}
	return cfg
}

// conditionChecker adapts the package-level conditions check to the runner interface
type conditionChecker struct{}

func (conditionChecker) Check(cfg conditions.Config) (bool, string) { return conditions.Check(cfg) }

func makeNotifier() *notify.Service {
	if !opts.Notify.EnabledError && !opts.Notify.EnabledCompletion {
		return nil
	}

	from := opts.Notify.From
	if from == "" {
		from = "modeleval@" + makeHostName()
	}

	return notify.NewService(
		notify.Params{
			OnError:            opts.Notify.EnabledError,
			OnCompletion:       opts.Notify.EnabledCompletion,
			ErrorTemplate:      opts.Notify.ErrorTemplate,
			CompletionTemplate: opts.Notify.CompletTemplate,
		},
		notify.SendersParams{
			ToEmails:       opts.Notify.To,
			From:           from,
			SMTPHost:       opts.Notify.SMTPHost,
			SMTPPort:       opts.Notify.SMTPPort,
			SMTPUsername:   opts.Notify.SMTPUsername,
			SMTPPassword:   opts.Notify.SMTPPassword,
			SMTPTLS:        opts.Notify.SMTPTLS,
			SMTPStartTLS:   opts.Notify.SMTPStartTLS,
			TimeOut:        opts.Notify.SMTPTimeOut,
			WebhookURLs:    opts.Notify.WebhookURLs,
			WebhookHeaders: opts.Notify.WebhookHeaders,
		},
	)
}

func makePasswordHash() string {
	if opts.Auth.Password == "" {
		return ""
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(opts.Auth.Password), bcrypt.DefaultCost)
	if err != nil {
		log.Printf("[ERROR] can't hash password, auth disabled, %v", err)
		return ""
	}
	return string(hash)
}

func makeHostName() string {
	if opts.Notify.HostName != "" {
		return opts.Notify.HostName
	}
	host, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return host
}

func printSchema() error {
	schema, err := llm.GenerateSchema()
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func setupLogs(enabled, dbg bool) {
	logOpts := []log.Option{log.Msec}
	if dbg {
		logOpts = []log.Option{log.Debug, log.Msec, log.CallerFunc, log.CallerPkg, log.CallerFile}
	}

	if enabled {
		fileLog := &lumberjack.Logger{
			Filename:   opts.LogFile,
			MaxSize:    10,
			MaxBackups: 5,
			MaxAge:     30,
			Compress:   true,
		}
		logOpts = append(logOpts, log.Out(io.MultiWriter(os.Stdout, fileLog)),
			log.Err(io.MultiWriter(os.Stderr, fileLog)))
	}
	log.Setup(logOpts...)
}

func signals(cancel context.CancelFunc) {
	sigChan := make(chan os.Signal, 1)
	go func() {
		stacktrace := make([]byte, 8192)
		for sig := range sigChan {
			if sig == syscall.SIGQUIT { // catch SIGQUIT and print stack traces
				length := runtime.Stack(stacktrace, true)
				fmt.Println(string(stacktrace[:length]))
				continue
			}
			cancel() // terminate on SIGTERM/SIGINT
		}
	}()
	signal.Notify(sigChan, syscall.SIGQUIT, syscall.SIGTERM, syscall.SIGINT)
}
