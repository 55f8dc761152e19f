package model

import "time"

type BuildTask struct {
	Id        int64
	BuildId   int64     `xorm:"unique notnull"`
	Token     string    `xorm:"unique notnull"`
	CreatedAt time.Time `xorm:"created"`
}
