package storage

// TaskRecord is the request_task row (spec §3, §6). Complex fields are blob
// columns produced by codec.go's length-prefixed encoding; the accessor
// methods below decode/encode them lazily so callers work with plain Go
// types.
type TaskRecord struct {
	TaskID uint32 `gorm:"primaryKey;column:task_id" json:"task_id"`
	UID    string `gorm:"column:uid;index" json:"uid"`

	// Immutable config.
	Action            string `gorm:"column:action" json:"action"` // download | upload
	Mode              string `gorm:"column:mode" json:"mode"`     // foreground | background
	URL               string `gorm:"column:url" json:"url"`
	Method            string `gorm:"column:method" json:"method"`
	HeadersBlob       []byte `gorm:"column:headers_blob" json:"-"`
	BodyData          []byte `gorm:"column:body_data" json:"-"`
	FilePath          string `gorm:"column:file_path" json:"file_path"`
	FileSpecsBlob     []byte `gorm:"column:file_specs_blob" json:"-"`
	BodyFileNamesBlob []byte `gorm:"column:body_file_names_blob" json:"-"`
	NetworkPreference string `gorm:"column:network_preference" json:"network_preference"` // any | wifi | cellular
	AllowMetered      bool   `gorm:"column:allow_metered" json:"allow_metered"`
	AllowRoaming      bool   `gorm:"column:allow_roaming" json:"allow_roaming"`
	RetryAllowed      bool   `gorm:"column:retry_allowed" json:"retry_allowed"`
	FollowRedirects   bool   `gorm:"column:follow_redirects" json:"follow_redirects"`
	CoverExisting     bool   `gorm:"column:cover_existing" json:"cover_existing"`
	Precise           bool   `gorm:"column:precise" json:"precise"`
	Begins            int64  `gorm:"column:begins" json:"begins"`
	Ends              int64  `gorm:"column:ends" json:"ends"`
	Gauge             int64  `gorm:"column:gauge" json:"gauge"`
	Priority          int    `gorm:"column:priority;default:1" json:"priority"`
	Title             string `gorm:"column:title" json:"title"`
	Description       string `gorm:"column:description" json:"description"`
	Token             string `gorm:"column:token" json:"-"`
	Proxy             string `gorm:"column:proxy" json:"proxy"`
	CertificatePins   []byte `gorm:"column:certificate_pins_blob" json:"-"`
	Bundle            string `gorm:"column:bundle" json:"bundle"`
	ExtrasBlob        []byte `gorm:"column:extras_blob" json:"-"`
	RetryBudget       int    `gorm:"column:retry_budget;default:3" json:"retry_budget"`

	// Mutable state.
	Status        string `gorm:"column:status;index" json:"status"`
	Reason        string `gorm:"column:reason" json:"reason"`
	ErrorCode     int    `gorm:"column:error_code" json:"error_code"`
	MimeType      string `gorm:"column:mime_type" json:"mime_type"`
	TotalSize     int64  `gorm:"column:total_size" json:"total_size"` // -1 = unknown
	ProcessedSize int64  `gorm:"column:processed_size" json:"processed_size"`
	FileIndex     int    `gorm:"column:file_index" json:"index"`
	Tries         int    `gorm:"column:tries" json:"tries"`
	PerFileStatus []byte `gorm:"column:per_file_status_blob" json:"-"`

	CreatedAt  int64 `gorm:"column:created_at;autoCreateTime:milli" json:"created_at"`
	ModifiedAt int64 `gorm:"column:modified_at;autoUpdateTime:milli" json:"modified_at"`
}

func (TaskRecord) TableName() string { return "request_task" }

func (t *TaskRecord) Headers() ([]HeaderPair, error) { return DecodeHeaders(t.HeadersBlob) }

func (t *TaskRecord) SetHeaders(h []HeaderPair) { t.HeadersBlob = EncodeHeaders(h) }

func (t *TaskRecord) FileSpecs() ([]FileSpec, error) { return DecodeFileSpecs(t.FileSpecsBlob) }

func (t *TaskRecord) SetFileSpecs(s []FileSpec) { t.FileSpecsBlob = EncodeFileSpecs(s) }

func (t *TaskRecord) BodyFileNames() ([]string, error) { return DecodeStringList(t.BodyFileNamesBlob) }

func (t *TaskRecord) SetBodyFileNames(s []string) { t.BodyFileNamesBlob = EncodeStringList(s) }

func (t *TaskRecord) Pins() ([]string, error) { return DecodeStringList(t.CertificatePins) }

func (t *TaskRecord) SetPins(s []string) { t.CertificatePins = EncodeStringList(s) }

func (t *TaskRecord) Extras() (map[string]string, error) { return DecodeExtras(t.ExtrasBlob) }

func (t *TaskRecord) SetExtras(m map[string]string) { t.ExtrasBlob = EncodeExtras(m) }

func (t *TaskRecord) PerFileStatuses() ([]FileStatus, error) {
	return DecodeFileStatuses(t.PerFileStatus)
}

func (t *TaskRecord) SetPerFileStatuses(s []FileStatus) { t.PerFileStatus = EncodeFileStatuses(s) }

// SchemaVersion is the request_version row (spec §4.1, §6).
type SchemaVersion struct {
	ID      uint   `gorm:"primaryKey"`
	Version string `gorm:"column:version"`
}

func (SchemaVersion) TableName() string { return "request_version" }

// CurrentSchemaVersion is the literal version string migrate.go brings
// every legacy row forward to.
const CurrentSchemaVersion = "1"

// DownloadLocation stores saved download locations with nicknames, kept
// from the teacher's download-location picker and generalized to both
// download and upload actions.
type DownloadLocation struct {
	Path     string `gorm:"primaryKey" json:"path"`
	Nickname string `json:"nickname"`
}

func (DownloadLocation) TableName() string { return "download_locations" }

// DailyStat tracks daily transfer statistics for the analytics package.
type DailyStat struct {
	Date  string `gorm:"primaryKey"` // "YYYY-MM-DD"
	Bytes int64  `gorm:"default:0"`
	Files int64  `gorm:"default:0"`
}

func (DailyStat) TableName() string { return "daily_stats" }

// AppSetting stores key-value application settings, backing internal/config.
type AppSetting struct {
	Key   string `gorm:"primaryKey"`
	Value string
}

func (AppSetting) TableName() string { return "app_settings" }

// SpeedTestHistory stores past network-diagnostic results (C2 enrichment,
// spec.md is silent on persistence of diagnostics; kept from the teacher).
type SpeedTestHistory struct {
	ID             uint    `gorm:"primaryKey" json:"id"`
	DownloadSpeed  float64 `json:"download_mbps"`
	UploadSpeed    float64 `json:"upload_mbps"`
	Ping           int64   `json:"ping_ms"`
	Jitter         int64   `json:"jitter_ms"`
	ISP            string  `json:"isp"`
	ServerName     string  `json:"server_name"`
	ServerLocation string  `json:"server_location"`
	Timestamp      string  `json:"timestamp"`
}

func (SpeedTestHistory) TableName() string { return "speed_test_history" }
