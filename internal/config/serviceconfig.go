package config

// MCPServerConfig is the fixed transport half of mcpclient.ServerConfig
// for one service's tool server — everything that does not change across
// tasks. Per-task runtime parameters come from StateManager instead
// (spec.md §4.2 get_service_config_for_agent).
type MCPServerConfig struct {
	Transport string            `yaml:"transport"` // "stdio" or "http"
	Command   string            `yaml:"command"`
	Args      []string          `yaml:"args"`
	BaseURL   string            `yaml:"base_url"`
	Token     string            `yaml:"token"`
	Headers   map[string]string `yaml:"headers"`
}

// ServiceConfig groups the construction parameters for every StateManager
// backend spec.md §4.2 names. Exactly one sub-struct is relevant for a
// given run's --service flag.
type ServiceConfig struct {
	Filesystem FilesystemConfig `yaml:"filesystem"`
	Postgres   PostgresConfig   `yaml:"postgres"`
	Supabase   SupabaseConfig   `yaml:"supabase"`
	Insforge   InsforgeConfig   `yaml:"insforge"`
	WebArena   WebArenaConfig   `yaml:"webarena"`
	Playwright PlaywrightConfig `yaml:"playwright"`
	Notion     NotionConfig     `yaml:"notion"`
	GitHub     GitHubConfig     `yaml:"github"`
}

type FilesystemConfig struct {
	TemplateRoot string `yaml:"template_root"`
	WorkRoot     string `yaml:"work_root"`
}

type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

type SupabaseConfig struct {
	DSN       string `yaml:"dsn"`
	BackupDir string `yaml:"backup_dir"`
}

type InsforgeConfig struct {
	DSN      string `yaml:"dsn"`
	LoginURL string `yaml:"login_url"`
	Email    string `yaml:"email"`
	Password string `yaml:"password"`
}

type WebArenaCategorySpec struct {
	Category      string `yaml:"category"`
	Image         string `yaml:"image"`
	ContainerName string `yaml:"container_name"`
	Port          int    `yaml:"port"`
	ReadinessPath string `yaml:"readiness_path"`
	ExternalURL   string `yaml:"external_url"`
}

type WebArenaConfig struct {
	Categories  []WebArenaCategorySpec `yaml:"categories"`
	SkipCleanup bool                   `yaml:"skip_cleanup"`
}

type PlaywrightConfig struct {
	CategoryURLs map[string]string `yaml:"category_urls"`
	Headless     bool              `yaml:"headless"`
}

type NotionConfig struct {
	Token           string            `yaml:"token"`
	TemplatePageIDs map[string]string `yaml:"template_page_ids"`
}

type GitHubConfig struct {
	Token          string            `yaml:"token"`
	Org            string            `yaml:"org"`
	ReferenceRepos map[string]string `yaml:"reference_repos"`
}
