package models

// Reserved label names.
const (
	SpeakLabelName     = "__SPEAK_LABEL__"
	UnlabeledLabelName = "__UNLABELED__"
)

// Label groups bookmarks and carries their highlight style.
type Label struct {
	ID             UUID    `db:"id" json:"id"`
	Name           string  `db:"name" json:"name"`
	Color          int     `db:"color" json:"color"`
	MarkerStyle    bool    `db:"marker_style" json:"marker_style"`
	UnderlineStyle bool    `db:"underline_style" json:"underline_style"`
	HideStyle      bool    `db:"hide_style" json:"hide_style"`
	Favourite      bool    `db:"favourite" json:"favourite"`
	Type           *string `db:"type" json:"type,omitempty"`
	LastUpdatedOn  int64   `db:"last_updated_on" json:"last_updated_on"`
}

// TableName returns the table name for Label.
func (Label) TableName() string { return "label" }

// IsSpecial reports whether the label is one of the reserved labels.
func (l *Label) IsSpecial() bool {
	return l.Name == SpeakLabelName || l.Name == UnlabeledLabelName
}

// StudyPadEntry is a free text entry in a label's study pad.
type StudyPadEntry struct {
	ID            UUID   `db:"id" json:"id"`
	LabelID       UUID   `db:"label_id" json:"label_id"`
	OrderNumber   int    `db:"order_number" json:"order_number"`
	IndentLevel   int    `db:"indent_level" json:"indent_level"`
	Text          string `db:"text" json:"text"`
	LastUpdatedOn int64  `db:"last_updated_on" json:"last_updated_on"`
}

// TableName returns the table name for StudyPadEntry.
func (StudyPadEntry) TableName() string { return "studypad_text_entry" }
