package model

// VersionEntry is one row of a project's report history.
type VersionEntry struct {
	Report
	Label     string `json:"label"`
	PDFSizeH  string `json:"pdfSizeHuman,omitempty"`
	WordSizeH string `json:"wordSizeHuman,omitempty"`
}

// Consistency is the result of validating a report against storage and its project's history.
type Consistency struct {
	ReportID int64    `json:"reportId"`
	IsValid  bool     `json:"isValid"`
	Errors   []string `json:"errors"`
	Warnings []string `json:"warnings"`
}

// ReportView combines a report with warnings gathered while serving it.
type ReportView struct {
	Report   Report            `json:"report"`
	Links    map[string]string `json:"links,omitempty"`
	Warnings []string          `json:"warnings,omitempty"`
}

// Shortfall is a role whose minimum cardinality is not met on a project.
type Shortfall struct {
	Role         Role `json:"role"`
	CurrentCount int  `json:"currentCount"`
	MinRequired  int  `json:"minRequired"`
}
