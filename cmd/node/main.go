package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/crabzie/gpu-dispatcher/config/logger"
	config "github.com/crabzie/gpu-dispatcher/config/utils"
	"github.com/crabzie/gpu-dispatcher/internal/adapter/dispatch/comfyui/comfyuitest"
	"go.uber.org/zap"
)

// node serves an emulated ComfyUI worker so the dispatcher can run without a GPU
func main() {
	rootCtx, rootCtxCancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer rootCtxCancel()

	// 1. Init Config & Logger
	appConfig := config.New()
	log := logger.Build(appConfig.Logger)

	nodeName := os.Getenv("NODE_NAME")
	if nodeName == "" {
		nodeName = fmt.Sprintf("gpu-node-%d", time.Now().Unix())
	}
	addr := os.Getenv("NODE_ADDR")
	if addr == "" {
		addr = ":8188"
	}
	log = log.With(zap.String("service", "node"), zap.String("node", nodeName))

	// 2. Emulation knobs
	opts := comfyuitest.Options{
		Steps:     envInt("NODE_STEPS", 20),
		StepDelay: time.Duration(envInt("NODE_STEP_MS", 250)) * time.Millisecond,
		FailWith:  os.Getenv("NODE_FAIL_WITH"),
		Devices:   []string{"cuda:0 " + nodeName},
	}
	worker := comfyuitest.New(opts)

	server := &http.Server{Addr: addr, Handler: worker}
	go func() {
		log.Info("Emulated worker listening", zap.String("addr", addr), zap.Int("steps", opts.Steps), zap.Duration("step_delay", opts.StepDelay))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("Worker server failed", zap.Error(err))
			rootCtxCancel()
		}
	}()

	// 3. Wait for Shutdown
	<-rootCtx.Done()
	log.Info("Shutting down...", zap.Int("prompts_served", worker.Prompts()))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Warn("Shutdown incomplete", zap.Error(err))
	}
	log.Info("Shutdown complete")
}

func envInt(key string, def int) int {
	v, err := strconv.Atoi(os.Getenv(key))
	if err != nil || v <= 0 {
		return def
	}
	return v
}
