// Package config holds benchctl's settings. A Config starts from Default(),
// is overlaid by an optional JSON file, then by the environment, then by
// command line flags.
package config

import (
	"bytes"
	"encoding/json"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/fleetbench/fleetbench/api"
	"github.com/fleetbench/fleetbench/jobs"
	"github.com/fleetbench/fleetbench/notify"
	"github.com/fleetbench/fleetbench/remote"
	"github.com/fleetbench/fleetbench/results"
	"github.com/fleetbench/fleetbench/scheduler"
)

// Environment variables read by ApplyEnv.
const (
	EnvAPIUsername      = "BENCH_API_USERNAME"
	EnvAPIPassword      = "BENCH_API_PASSWORD"
	EnvSSHUser          = "BENCH_SSH_USER"
	EnvSSHKey           = "BENCH_SSH_KEY"
	EnvKnownHosts       = "BENCH_KNOWN_HOSTS"
	EnvDeployPubKey     = "BENCH_DEPLOY_PUBKEY"
	EnvDeployPubKeyFile = "BENCH_DEPLOY_PUBKEY_FILE"
	EnvLogLevel         = "BENCH_LOGLEVEL"
)

// Duration is a time.Duration written as a string, e.g. "10s".
type Duration struct {
	time.Duration
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return errors.Errorf("duration must be a string like \"10s\", got %s", data)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

type Config struct {
	Paths     PathsConfig
	Logs      LogsConfig
	Scheduler SchedulerConfig
	Remote    RemoteConfig
	API       APIConfig
	Deploy    DeployConfig
	Results   ResultsConfig
	Generator GeneratorConfig
	Catalog   CatalogConfig
	Journal   JournalConfig
	Notify    NotifyConfig
}

type PathsConfig struct {
	CatalogDir string
	ScriptsDir string
	ResultsDir string
	JobsFile   string
}

type LogsConfig struct {
	Dir   string
	Level string
}

type SchedulerConfig struct {
	MaxConcurrentJobs   int
	PollInterval        Duration
	SamplingPolicy      string
	UnknownPolicy       string
	CoreValuesCount     int
	ExpectedJobDuration Duration
	DaytimeGate         DaytimeGateConfig
	// Listen address of the stats endpoint. Empty disables it.
	HTTPAddr string
}

// DaytimeGateConfig bounds the working day with "HH:MM" times in Location,
// an IANA zone name ("" is local time).
type DaytimeGateConfig struct {
	Enabled  bool
	DayStart string
	DayEnd   string
	Location string
}

type RemoteConfig struct {
	User              string
	KeyFile           string
	KnownHostsFile    string
	Port              int
	DialTimeout       Duration
	SiteHostFormat    string
	NodeHostFormat    string
	SubmitCommand     string
	RemoteResultsRoot string
}

type APIConfig struct {
	BaseURL           string
	Tries             int
	RequestsPerSecond float64
	Timeout           Duration
	Username          string `json:"-"`
	Password          string `json:"-"`
}

type DeployConfig struct {
	DefaultFlavor  string
	Flavor         string
	ClusterFlavors map[string]string
	Walltime       string
	Queue          string
	User           string
	PublicKey      string `json:"-"`
}

type ResultsConfig struct {
	TransferTimeout   Duration
	StrictAggregation bool
}

type GeneratorConfig struct {
	Command    []string
	EventsFile string
	Timeout    Duration
}

type CatalogConfig struct {
	RefreshCommand []string
	Timeout        Duration
}

// JournalConfig.Dir empty keeps the journal in memory.
type JournalConfig struct {
	Dir string
}

// NotifyConfig.NatsURL empty disables publishing.
type NotifyConfig struct {
	NatsURL string
	Subject string
}

// Default returns the compiled-in configuration.
func Default() *Config {
	return &Config{
		Paths: PathsConfig{
			CatalogDir: "inventories.d",
			ScriptsDir: "scripts.d",
			ResultsDir: "results.d",
			JobsFile:   "jobs.yaml",
		},
		Logs: LogsConfig{
			Dir:   "logs.d",
			Level: "info",
		},
		Scheduler: SchedulerConfig{
			MaxConcurrentJobs:   scheduler.DefaultMaxConcurrentJobs,
			PollInterval:        Duration{scheduler.DefaultPollInterval},
			SamplingPolicy:      string(scheduler.SamplingAll),
			UnknownPolicy:       string(jobs.UnknownPolicyTerminal),
			CoreValuesCount:     jobs.DefaultCoreValuesCount,
			ExpectedJobDuration: Duration{scheduler.DefaultExpectedJobDuration},
			DaytimeGate: DaytimeGateConfig{
				DayStart: "09:00",
				DayEnd:   "19:00",
			},
		},
		Remote: RemoteConfig{
			Port:              remote.DefaultPort,
			DialTimeout:       Duration{remote.DefaultDialTimeout},
			SiteHostFormat:    jobs.DefaultSiteHostFormat,
			NodeHostFormat:    jobs.DefaultNodeHostFormat,
			SubmitCommand:     remote.DefaultSubmitCommand,
			RemoteResultsRoot: "results.d",
		},
		API: APIConfig{
			BaseURL: api.DefaultBaseURL,
			Tries:   api.DefaultTries,
			Timeout: Duration{api.DefaultTimeout},
		},
		Deploy: DeployConfig{
			DefaultFlavor: "debian11-min",
			Walltime:      jobs.DefaultWalltime,
			Queue:         jobs.DefaultQueue,
			User:          jobs.DefaultDeployUser,
		},
		Results: ResultsConfig{
			TransferTimeout: Duration{results.DefaultTransferTimeout},
		},
		Generator: GeneratorConfig{
			EventsFile: "config/events.json",
			Timeout:    Duration{time.Minute},
		},
		Catalog: CatalogConfig{
			Timeout: Duration{10 * time.Minute},
		},
		Notify: NotifyConfig{
			Subject: notify.DefaultSubject,
		},
	}
}

// Load reads path over the defaults. An empty path returns the defaults.
// Sections and fields the file leaves out keep their default values.
func Load(path string) (*Config, error) {
	c := Default()
	if path == "" {
		return c, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading config %s", path)
	}
	if err := c.Parse(data); err != nil {
		return nil, errors.Wrapf(err, "config %s", path)
	}
	return c, nil
}

// Parse overlays a JSON document on c. Unknown fields are an error.
func (c *Config) Parse(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(c); err != nil {
		return errors.Wrap(err, "parsing config")
	}
	return nil
}

// ApplyEnv overlays credentials and settings taken from lookup, usually
// os.LookupEnv.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	set := func(dst *string, key string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	set(&c.API.Username, EnvAPIUsername)
	set(&c.API.Password, EnvAPIPassword)
	set(&c.Remote.User, EnvSSHUser)
	set(&c.Remote.KeyFile, EnvSSHKey)
	set(&c.Remote.KnownHostsFile, EnvKnownHosts)
	set(&c.Logs.Level, EnvLogLevel)
	set(&c.Deploy.PublicKey, EnvDeployPubKey)

	if c.Deploy.PublicKey == "" {
		if path, ok := lookup(EnvDeployPubKeyFile); ok && path != "" {
			data, err := os.ReadFile(path)
			if err != nil {
				return errors.Wrapf(err, "reading %s", EnvDeployPubKeyFile)
			}
			c.Deploy.PublicKey = strings.TrimSpace(string(data))
		}
	}
	return nil
}

// String renders the configuration as indented JSON, without secrets.
func (c *Config) String() string {
	data, err := json.MarshalIndent(c, "", " ")
	if err != nil {
		return err.Error()
	}
	return string(data)
}

// Validate checks the values that are parsed lazily by the other helpers.
func (c *Config) Validate() error {
	if c.Scheduler.MaxConcurrentJobs < 1 {
		return errors.Errorf("Scheduler.MaxConcurrentJobs must be at least 1, got %d", c.Scheduler.MaxConcurrentJobs)
	}
	if _, err := scheduler.ParseSamplingPolicy(c.Scheduler.SamplingPolicy); err != nil {
		return err
	}
	if _, err := jobs.ParseUnknownPolicy(c.Scheduler.UnknownPolicy); err != nil {
		return err
	}
	if _, err := c.Gate(); err != nil {
		return err
	}
	for _, f := range []string{c.Remote.SiteHostFormat, c.Remote.NodeHostFormat} {
		if !strings.Contains(f, "{site}") && !strings.Contains(f, "{node}") {
			return errors.Errorf("host format %q uses neither {site} nor {node}", f)
		}
	}
	return nil
}

func (c *Config) APIClient() api.Config {
	return api.Config{
		BaseURL:           c.API.BaseURL,
		Username:          c.API.Username,
		Password:          c.API.Password,
		Tries:             c.API.Tries,
		RequestsPerSecond: c.API.RequestsPerSecond,
		Timeout:           c.API.Timeout.Duration,
	}
}

func (c *Config) SSH() remote.Config {
	return remote.Config{
		User:           c.Remote.User,
		KeyFile:        c.Remote.KeyFile,
		KnownHostsFile: c.Remote.KnownHostsFile,
		Port:           c.Remote.Port,
		SubmitCommand:  c.Remote.SubmitCommand,
		DialTimeout:    c.Remote.DialTimeout.Duration,
	}
}

func (c *Config) Machine() (jobs.MachineConfig, error) {
	policy, err := jobs.ParseUnknownPolicy(c.Scheduler.UnknownPolicy)
	if err != nil {
		return jobs.MachineConfig{}, err
	}
	return jobs.MachineConfig{
		SiteHostFormat: c.Remote.SiteHostFormat,
		NodeHostFormat: c.Remote.NodeHostFormat,
		DeployUser:     c.Deploy.User,
		DeployKey:      c.Deploy.PublicKey,
		Walltime:       c.Deploy.Walltime,
		Queue:          c.Deploy.Queue,
		UnknownPolicy:  policy,
	}, nil
}

func (c *Config) JobPaths() jobs.Paths {
	return jobs.Paths{ScriptsDir: c.Paths.ScriptsDir, ResultsDir: c.Paths.ResultsDir}
}

func (c *Config) Scheduling() (scheduler.Config, error) {
	sampling, err := scheduler.ParseSamplingPolicy(c.Scheduler.SamplingPolicy)
	if err != nil {
		return scheduler.Config{}, err
	}
	return scheduler.Config{
		MaxConcurrentJobs:   c.Scheduler.MaxConcurrentJobs,
		PollInterval:        c.Scheduler.PollInterval.Duration,
		Sampling:            sampling,
		CoreValuesCount:     c.Scheduler.CoreValuesCount,
		ExpectedJobDuration: c.Scheduler.ExpectedJobDuration.Duration,
		Queue:               c.Deploy.Queue,
		DefaultFlavor:       c.Deploy.DefaultFlavor,
		Flavor:              c.Deploy.Flavor,
		ClusterFlavors:      c.Deploy.ClusterFlavors,
		JobsFile:            c.Paths.JobsFile,
		Paths:               c.JobPaths(),
	}, nil
}

// Gate returns the submission gate: AlwaysOpen unless the daytime gate is
// enabled.
func (c *Config) Gate() (scheduler.Gate, error) {
	g := c.Scheduler.DaytimeGate
	if !g.Enabled {
		return scheduler.AlwaysOpen{}, nil
	}
	start, err := scheduler.ParseTimeOfDay(g.DayStart)
	if err != nil {
		return nil, errors.Wrap(err, "DaytimeGate.DayStart")
	}
	end, err := scheduler.ParseTimeOfDay(g.DayEnd)
	if err != nil {
		return nil, errors.Wrap(err, "DaytimeGate.DayEnd")
	}
	loc := time.Local
	if g.Location != "" {
		if loc, err = time.LoadLocation(g.Location); err != nil {
			return nil, errors.Wrap(err, "DaytimeGate.Location")
		}
	}
	return scheduler.DaytimeWindow{DayStart: start, DayEnd: end, Location: loc}, nil
}
