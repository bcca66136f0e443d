package domain

type ConferenceName string

type Conference struct {
	Name ConferenceName
}
