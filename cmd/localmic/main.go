// Command localmic is a manual single-participant test harness: it wires
// the voice pipeline (pkg/session) to a real local microphone/speaker via
// malgo instead of a WebRTC room. It is a demo/dev tool, not part of the
// core pipeline; the transport itself is out of scope for the library.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gen2brain/malgo"
	"github.com/joho/godotenv"

	"github.com/lokutor-ai/lokutor-orchestrator/pkg/config"
	"github.com/lokutor-ai/lokutor-orchestrator/pkg/logging"
	llmProvider "github.com/lokutor-ai/lokutor-orchestrator/pkg/providers/llm"
	sttProvider "github.com/lokutor-ai/lokutor-orchestrator/pkg/providers/stt"
	ttsProvider "github.com/lokutor-ai/lokutor-orchestrator/pkg/providers/tts"
	"github.com/lokutor-ai/lokutor-orchestrator/pkg/session"
	"github.com/lokutor-ai/lokutor-orchestrator/pkg/pipeline"
)

const sampleRate = 16000

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("note: no .env file found, using system environment variables")
	}

	cfg := config.FromEnv()
	cfg.PublishSampleRateHz = sampleRate
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}
	logger := logging.NewSlog("localmic")

	stt, llm, tts := buildProviders(cfg)

	transport := newMalgoTransport(sampleRate)

	sess := session.New(cfg, logger, session.Providers{
		Transport: transport,
		STT:       stt,
		LLM:       llm,
		TTS:       tts,
	})

	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		log.Fatalf("malgo init: %v", err)
	}
	defer mctx.Uninit()

	device, err := malgo.InitDevice(mctx.Context, deviceConfigFor(sampleRate), malgo.DeviceCallbacks{
		Data: transport.onSamples,
	})
	if err != nil {
		log.Fatalf("malgo device init: %v", err)
	}
	defer device.Uninit()

	if err := device.Start(); err != nil {
		log.Fatalf("malgo device start: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan struct{})
	go func() {
		if err := sess.Run(ctx); err != nil {
			log.Printf("session run ended: %v", err)
		}
		close(runDone)
	}()

	transport.start()

	go func() {
		for {
			fmt.Printf("\r[mic energy: %.5f]", transport.RMS())
			time.Sleep(100 * time.Millisecond)
		}
	}()

	fmt.Println("Voice agent listening. Press Ctrl+C to exit.")
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	fmt.Println("\nShutting down...")
	cancel()
	<-runDone
}

func buildProviders(cfg config.Config) (pipeline.STTClient, pipeline.LLMClient, pipeline.TTSClient) {
	groqKey := os.Getenv("GROQ_API_KEY")
	openaiKey := os.Getenv("OPENAI_API_KEY")
	anthropicKey := os.Getenv("ANTHROPIC_API_KEY")
	googleKey := os.Getenv("GOOGLE_API_KEY")
	deepgramKey := os.Getenv("DEEPGRAM_API_KEY")
	assemblyKey := os.Getenv("ASSEMBLYAI_API_KEY")
	lokutorKey := os.Getenv("LOKUTOR_API_KEY")

	if lokutorKey == "" {
		log.Fatal("LOKUTOR_API_KEY must be set")
	}

	sttName := os.Getenv("STT_PROVIDER")
	if sttName == "" {
		sttName = "groq"
	}
	llmName := os.Getenv("LLM_PROVIDER")
	if llmName == "" {
		llmName = "groq"
	}

	var stt pipeline.STTClient
	switch sttName {
	case "openai":
		requireKey(openaiKey, "OPENAI_API_KEY")
		stt = sttProvider.NewOpenAISTT(openaiKey, "")
	case "deepgram":
		requireKey(deepgramKey, "DEEPGRAM_API_KEY")
		stt = sttProvider.NewDeepgramSTT(deepgramKey)
	case "assemblyai":
		requireKey(assemblyKey, "ASSEMBLYAI_API_KEY")
		stt = sttProvider.NewAssemblyAISTT(assemblyKey)
	case "wsrecognizer":
		wsURL := os.Getenv("STT_WS_URL")
		if wsURL == "" {
			log.Fatal("STT_WS_URL must be set when STT_PROVIDER=wsrecognizer")
		}
		stt = sttProvider.NewWSRecognizerSTT(wsURL)
	default:
		requireKey(groqKey, "GROQ_API_KEY")
		stt = sttProvider.NewGroqSTT(groqKey, os.Getenv("GROQ_STT_MODEL"))
	}

	var llm pipeline.LLMClient
	switch llmName {
	case "openai":
		requireKey(openaiKey, "OPENAI_API_KEY")
		llm = llmProvider.NewOpenAILLM(openaiKey, cfg.LLMModel)
	case "anthropic":
		requireKey(anthropicKey, "ANTHROPIC_API_KEY")
		llm = llmProvider.NewAnthropicLLM(anthropicKey, cfg.LLMModel)
	case "google":
		requireKey(googleKey, "GOOGLE_API_KEY")
		llm = llmProvider.NewGoogleLLM(googleKey, cfg.LLMModel)
	case "ndjson":
		ndjsonURL := os.Getenv("LLM_NDJSON_URL")
		if ndjsonURL == "" {
			log.Fatal("LLM_NDJSON_URL must be set when LLM_PROVIDER=ndjson")
		}
		llm = llmProvider.NewNDJSONLLM(ndjsonURL, cfg.LLMModel)
	default:
		requireKey(groqKey, "GROQ_API_KEY")
		llm = llmProvider.NewGroqLLM(groqKey, cfg.LLMModel)
	}

	tts := ttsProvider.NewLokutorTTS(lokutorKey)

	fmt.Printf("Configured: STT=%s | LLM=%s | TTS=lokutor\n", sttName, llmName)
	return stt, llm, tts
}

func requireKey(key, name string) {
	if key == "" {
		log.Fatalf("%s must be set", name)
	}
}
