package main

import (
	"os"

	"branchflow/backend/internal/app"
)

func main() {
	os.Exit(app.Run())
}
