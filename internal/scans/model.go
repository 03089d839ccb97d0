package scans

import "time"

// ScanStatus is the lifecycle of a scan run. Transitions are driven by the
// scan engine; this store only reads them, apart from maintenance tooling
// that force-fails runs stuck beyond an operational threshold.
type ScanStatus string

const (
	ScanStatusPending   ScanStatus = "pending"
	ScanStatusRunning   ScanStatus = "running"
	ScanStatusCompleted ScanStatus = "completed"
	ScanStatusFailed    ScanStatus = "failed"
)

// Severity grades a vulnerability finding.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
	SeverityInfo     Severity = "info"
)

// Repository is external-provider repository metadata owned by a user. Teams
// reference repositories through workspace.TeamRepository; they do not own
// them.
type Repository struct {
	ID          uint   `gorm:"primaryKey"`
	Name        string `gorm:"size:190;not null"`
	FullName    string `gorm:"size:320;not null;index"`
	Description string `gorm:"size:1024"`
	URL         string `gorm:"size:512"`
	Language    string `gorm:"size:64"`
	IsPrivate   bool   `gorm:"not null;default:false"`

	DefaultBranch string `gorm:"size:190;default:main"`
	Provider      string `gorm:"size:32;not null"`

	OwnerID uint `gorm:"not null;index"`

	CreatedAt time.Time `gorm:"autoCreateTime"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`
}

// TableName exposes the table backing repositories.
func (Repository) TableName() string {
	return "repositories"
}

// Scan is one scan run over a repository.
type Scan struct {
	ID           uint       `gorm:"primaryKey"`
	RepositoryID uint       `gorm:"not null;index"`
	Status       ScanStatus `gorm:"size:32;not null;default:pending"`

	StartedAt    *time.Time
	CompletedAt  *time.Time
	ErrorMessage string `gorm:"size:1024"`
	// Metadata carries engine-specific detail (rule set, commit, counts) as
	// an opaque JSON blob.
	Metadata string `gorm:"size:4096"`

	Vulnerabilities []Vulnerability `gorm:"foreignKey:ScanID;constraint:OnDelete:CASCADE"`

	CreatedAt time.Time `gorm:"autoCreateTime"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`
}

// TableName exposes the table backing scans.
func (Scan) TableName() string {
	return "scans"
}

// Vulnerability is a finding discovered by one scan.
type Vulnerability struct {
	ID     uint `gorm:"primaryKey"`
	ScanID uint `gorm:"not null;index"`

	Title          string   `gorm:"size:320;not null"`
	Severity       Severity `gorm:"size:32;not null"`
	FilePath       string   `gorm:"size:512"`
	Line           int
	Description    string `gorm:"size:4096"`
	Recommendation string `gorm:"size:4096"`

	CreatedAt time.Time `gorm:"autoCreateTime"`
}

// TableName exposes the table backing vulnerabilities.
func (Vulnerability) TableName() string {
	return "vulnerabilities"
}
