package model

type Maintainer struct {
	Id    int64
	Name  string
	Email string `xorm:"unique notnull"`
}
