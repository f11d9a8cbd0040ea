package domain

import "time"

// SLARecord: активный дедлайн сущности. Не более одной записи на сущность.
type SLARecord struct {
	EntityID   string
	Domain     Domain
	State      State
	Deadline   time.Time
	IsBreached bool
	BreachedAt *time.Time
	UpdatedAt  time.Time
}

// SLAStatus: производный статус SLA, никогда не сохраняется.
type SLAStatus string

const (
	SLAStatusBreached  SLAStatus = "breached"
	SLAStatusAtRisk    SLAStatus = "at_risk"
	SLAStatusOnTrack   SLAStatus = "on_track"
	SLAStatusCompleted SLAStatus = "completed"
)

// BreachReport описывает просроченную сущность для отчёта.
type BreachReport struct {
	Record       SLARecord
	HoursOverdue float64
}
