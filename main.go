package main

import (
	"fmt"

	_ "github.com/agentuity/offline-cache/cache"
	_ "github.com/agentuity/offline-cache/config"
	_ "github.com/agentuity/offline-cache/connectivity"
	_ "github.com/agentuity/offline-cache/logger"
	_ "github.com/agentuity/offline-cache/model"
	_ "github.com/agentuity/offline-cache/repository"
	_ "github.com/agentuity/offline-cache/resilience"
	_ "github.com/agentuity/offline-cache/store"
)

func main() {
	fmt.Println("Hi")
}
