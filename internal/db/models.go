package db

type Task struct {
	TaskID              string `gorm:"column:task_id;primaryKey"`
	Prompt              string `gorm:"column:prompt;not null;default:''"`
	Status              string `gorm:"column:status;not null;default:'pending';index"`
	StagedFilesJSON     string `gorm:"column:staged_files_json;not null;default:'[]'"`
	GeneratedFilesJSON  string `gorm:"column:generated_files_json;not null;default:'[]'"`
	ProposedChangesJSON string `gorm:"column:proposed_changes_json;not null;default:'[]'"`
	Priority            int    `gorm:"column:priority;not null;default:0"`
	Version             int64  `gorm:"column:version;not null;default:1"`
	CreatedAt           int64  `gorm:"column:created_at;not null;default:0"`
	UpdatedAt           int64  `gorm:"column:updated_at;not null;default:0"`
}

func (Task) TableName() string { return "tasks" }

type Proposal struct {
	ProposalID string `gorm:"column:proposal_id;primaryKey"`
	TaskID     string `gorm:"column:task_id;not null;index"`
	File       string `gorm:"column:file;not null;default:''"`
	Content    string `gorm:"column:content;not null;default:''"`
	ChangeText string `gorm:"column:change_text;not null;default:''"`
	Reason     string `gorm:"column:reason;not null;default:''"`
	Status     string `gorm:"column:status;not null;default:'pending'"`
	CreatedAt  int64  `gorm:"column:created_at;not null;default:0"`
	UpdatedAt  int64  `gorm:"column:updated_at;not null;default:0"`
}

func (Proposal) TableName() string { return "proposals" }

type TaskStatusHistory struct {
	ID         int64  `gorm:"column:id;primaryKey;autoIncrement"`
	TaskID     string `gorm:"column:task_id;not null"`
	FromStatus string `gorm:"column:from_status;not null;default:''"`
	ToStatus   string `gorm:"column:to_status;not null;default:''"`
	Reason     string `gorm:"column:reason;not null;default:''"`
	CreatedAt  int64  `gorm:"column:created_at;not null;default:0"`
}

func (TaskStatusHistory) TableName() string { return "task_status_history" }
