package main

import (
	"go.uber.org/fx"

	"github.com/Additional-Code/remedio/internal/app"
)

func main() {
	fx.New(app.Module, app.EventLogger).Run()
}
