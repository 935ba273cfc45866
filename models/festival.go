package models

// Festival is the structured record extracted from a festival page.
type Festival struct {
	Name string `json:"name,omitempty"`

	// Info is the short plain-text description.
	Info string `json:"info,omitempty"`

	// Description is the main page content as markdown.
	Description string `json:"description,omitempty"`

	Deadlines      []string `json:"deadlines,omitempty"`
	Categories     []string `json:"categories,omitempty"`
	Awards         []string `json:"awards,omitempty"`
	ImportantDates []string `json:"important_dates,omitempty"`

	// Links lists curated festival pages found on a listing page.
	Links []FestivalLink `json:"links,omitempty"`

	SourceURL string `json:"source_url"`
}

// FestivalLink is one curated festival entry on a listing page.
type FestivalLink struct {
	Name string `json:"name"`
	URL  string `json:"url"`
	Type string `json:"type"`
}
