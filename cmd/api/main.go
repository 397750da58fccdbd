package main

import (
	"fmt"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/Whateverdoa/SHEETBUILDER-2/internal/api"
	"github.com/Whateverdoa/SHEETBUILDER-2/internal/config"
	"github.com/Whateverdoa/SHEETBUILDER-2/internal/progress"
	"github.com/Whateverdoa/SHEETBUILDER-2/internal/registry"
	"github.com/Whateverdoa/SHEETBUILDER-2/internal/scan"
	"github.com/Whateverdoa/SHEETBUILDER-2/internal/service"
	"github.com/Whateverdoa/SHEETBUILDER-2/internal/sheet"
	"github.com/Whateverdoa/SHEETBUILDER-2/internal/storage"
)

func main() {
	cfg := config.MustLoad()

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	store, err := storage.NewClient(cfg.Storage.Directory, logger)
	if err != nil {
		log.Fatalf("init storage: %v", err)
	}
	store.StartCleanup(time.Duration(cfg.Storage.MaxStorageAgeDays)*24*time.Hour, time.Hour)
	logger.Info("storage ready", slog.String("directory", cfg.Storage.Directory))

	reg := registry.New(cfg.Reliability, logger)
	broker := progress.NewBroker(logger)
	composer := sheet.NewComposer(broker, logger)
	processor := service.NewProcessor(reg, broker, store, composer, logger)

	var scanner *scan.Scanner
	if cfg.Clamd.Enabled {
		scanner = scan.NewScanner(cfg.Clamd.Addr)
		logger.Info("upload scanning enabled", slog.String("clamd_addr", cfg.Clamd.Addr))
	}

	router := api.NewRouter(logger)
	api.RegisterRoutes(router, processor, scanner, logger)

	address := fmt.Sprintf(":%d", cfg.Server.Port)
	logger.Info("api listening", slog.String("address", address))
	if err := router.Run(address); err != nil {
		log.Fatalf("failed to start api server: %v", err)
	}
}
