package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"insightforge-client/api"
	"insightforge-client/config"
	"insightforge-client/engine"
	"insightforge-client/store"
	"insightforge-client/upload"

	"github.com/spf13/afero"
	"go.uber.org/zap"
)

func main() {
	ctx := context.Background()

	// Initialize logger with default level to load config
	tempLogger, err := config.InitLogger("info")
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	// Load config (which includes log level setting)
	cfg := config.Load(tempLogger)

	// Re-initialize logger with configured level
	logger, err := config.InitLogger(cfg.LogLevel)
	if err != nil {
		fmt.Printf("Failed to re-initialize logger with configured level: %v\n", err)
		os.Exit(1)
	}
	defer config.Cleanup()

	client := api.New(cfg, logger)
	sessionStore := store.NewFileStore(afero.NewOsFs(), cfg.StateDir, logger)

	eng, err := engine.NewEngine(cfg, client, sessionStore, logger)
	if err != nil {
		logger.Fatal("Failed to initialize engine", zap.Error(err))
	}
	defer eng.EndSession()

	eng.Uploads().OnProgress(func(fraction float64) {
		fmt.Printf("\ruploading... %3.0f%%", fraction*100)
		if fraction >= 1 {
			fmt.Println()
		}
	})

	// Create context that listens for interrupt signals
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := client.Health(ctx); err != nil {
		logger.Warn("Analysis service is not reachable", zap.Error(err))
	}

	if info, err := eng.RestoreFromStore(ctx); err != nil {
		logger.Warn("Could not restore previous session", zap.Error(err))
	} else if info != nil {
		fmt.Printf("Resumed session %s (%s on %q)\n", info.ID, info.TaskType, info.TargetColumn)
	}

	runConsole(ctx, eng, logger)
}

// runConsole drives the engine from stdin. Plain lines are chat messages;
// lines starting with / are commands.
func runConsole(ctx context.Context, eng *engine.Engine, logger *zap.Logger) {
	fmt.Println("InsightForge client ready. Type /help for commands.")
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 64*1024), 64*1024)

	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return
		}
		select {
		case <-ctx.Done():
			return
		default:
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if !strings.HasPrefix(line, "/") {
			if err := eng.SendMessage(line); err != nil {
				fmt.Printf("error: %v\n", err)
			} else {
				waitForReply(eng)
			}
			continue
		}

		fields := strings.Fields(line)
		switch fields[0] {
		case "/help":
			printHelp()

		case "/upload":
			runUpload(ctx, eng, fields[1:])

		case "/chart":
			runChartAnalysis(ctx, eng, fields[1:])

		case "/sessions":
			sessions, err := eng.ListSessions(ctx)
			if err != nil {
				fmt.Printf("error: %v\n", err)
				continue
			}
			for _, s := range sessions {
				fmt.Printf("%s  %s  %s on %q\n",
					s.ID, s.CreatedAt.Format(time.RFC3339), s.TaskType, s.TargetColumn)
			}

		case "/select":
			if len(fields) < 2 {
				fmt.Println("usage: /select <session-id>")
				continue
			}
			info, err := eng.SelectExisting(ctx, fields[1])
			if err != nil {
				fmt.Printf("error: %v\n", err)
				continue
			}
			fmt.Printf("Switched to session %s\n", info.ID)
			printConversation(eng)

		case "/delete":
			if len(fields) < 2 {
				fmt.Println("usage: /delete <session-id>")
				continue
			}
			if err := eng.DeleteSession(ctx, fields[1]); err != nil {
				fmt.Printf("error: %v\n", err)
			}

		case "/context":
			if len(fields) < 2 {
				fmt.Printf("context: %s\n", eng.Snapshot().ContextTag)
				continue
			}
			if err := eng.SetContextTag(fields[1]); err != nil {
				fmt.Printf("error: %v\n", err)
			}

		case "/history":
			printConversation(eng)

		case "/status":
			printStatus(eng)

		case "/end":
			if err := eng.EndSession(); err != nil {
				fmt.Printf("error: %v\n", err)
			}

		case "/quit", "/exit":
			return

		default:
			fmt.Printf("unknown command %s\n", fields[0])
		}
	}
}

func runUpload(ctx context.Context, eng *engine.Engine, args []string) {
	if len(args) < 3 {
		fmt.Println("usage: /upload <dataset-path> <task-type> <target-column> [pdf-path]")
		return
	}
	files := upload.Files{Dataset: api.FileRef{Path: args[0]}}
	if len(args) > 3 {
		files.Document = &api.FileRef{Path: args[3]}
	}
	spec := api.AnalysisSpec{TaskType: args[1], TargetColumn: args[2]}

	info, err := eng.CreateFromUpload(ctx, files, spec)
	if err != nil {
		fmt.Printf("upload failed: %v\n", err)
		return
	}
	fmt.Printf("Analysis complete, session %s active\n", info.ID)
	printStatus(eng)
}

func runChartAnalysis(ctx context.Context, eng *engine.Engine, args []string) {
	if len(args) < 1 {
		fmt.Println("usage: /chart <image-path>")
		return
	}
	result, err := eng.AnalyzeChart(ctx, api.FileRef{Path: args[0]})
	if err != nil {
		fmt.Printf("chart analysis failed: %v\n", err)
		return
	}
	if raw, ok := result.Section(api.SectionChartAnalysis); ok {
		fmt.Println(string(raw))
	}
}

// waitForReply blocks until the conversation grows past the just-sent user
// message, then prints the newest assistant entry.
func waitForReply(eng *engine.Engine) {
	before := len(eng.Snapshot().Messages)
	deadline := time.Now().Add(3 * time.Minute)
	for time.Now().Before(deadline) {
		time.Sleep(200 * time.Millisecond)
		msgs := eng.Snapshot().Messages
		if len(msgs) > before {
			last := msgs[len(msgs)-1]
			fmt.Println(last.Content)
			return
		}
	}
	fmt.Println("(still waiting for a reply; use /history to check later)")
}

func printConversation(eng *engine.Engine) {
	for _, msg := range eng.Snapshot().Messages {
		fmt.Printf("[%s] %s\n", msg.Role, msg.Content)
	}
}

func printStatus(eng *engine.Engine) {
	vm := eng.Snapshot()
	if vm.Session == nil {
		fmt.Println("no active session")
		return
	}
	fmt.Printf("session: %s\nmode: %s\ncontext: %s\n", vm.Session.ID, vm.Mode, vm.ContextTag)
	fmt.Printf("results: eda=%v ml=%v pdf=%v\n", vm.HasEDA, vm.HasML, vm.HasPDFInsights)
}

func printHelp() {
	fmt.Println(`commands:
  /upload <dataset> <task-type> <target-column> [pdf]   start an analysis
  /chart <image>                                        analyze a chart image
  /sessions                                             list recent sessions
  /select <id>                                          switch to a session
  /delete <id>                                          delete a session
  /context [tag]                                        show or set context tag
  /history                                              print the conversation
  /status                                               show session status
  /end                                                  end the active session
  /quit                                                 exit
anything else is sent as a chat message`)
}
