package main

// ============================================================================
// 職責說明：
// 1. CLI 應用程式入口點，所有邏輯在 internal/cli
// 2. 處理頂層錯誤與 panic recovery
//
// 編譯時注入版本：
//   go build -ldflags "-X main.version=1.0.0 -X main.commit=$(git rev-parse HEAD)" ./cmd/fedqueue
// ============================================================================

import (
	"fmt"
	"os"

	"github.com/ChuLiYu/fedqueue/internal/cli"
)

var (
	version = "dev" // 由 CI 注入
	commit  = "unknown"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "fatal: %v\n", r)
			os.Exit(2)
		}
	}()

	rootCmd := cli.BuildCLI()
	rootCmd.Version = fmt.Sprintf("%s (commit: %s)", version, commit)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
