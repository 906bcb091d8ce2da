// nlpctl is a small driver for the client library: generate text, stream
// it, or introspect a running caikit NLP server from the command line.
//
//	nlpctl -transport grpc -host localhost -port 8085 -model my-model generate "some prompt"
//	nlpctl -transport http -host localhost -port 8080 models
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"gopkg.in/yaml.v3"

	"caikitnlp/config"
	"caikitnlp/grpcclient"
	"caikitnlp/httpclient"
	"caikitnlp/internal/logging"
	"caikitnlp/internal/telemetry"
	"caikitnlp/nlp"
)

func main() {
	var (
		configPath  = flag.String("config", "", "optional YAML connection config")
		transport   = flag.String("transport", "grpc", "transport: grpc or http")
		host        = flag.String("host", "", "server host (overrides config)")
		port        = flag.Int("port", 0, "server port (overrides config)")
		insecure    = flag.Bool("insecure", false, "plaintext connection")
		model       = flag.String("model", "", "model id")
		paramsFile  = flag.String("params", "", "YAML file of generation parameters")
		metricsPort = flag.Int("metrics-port", 0, "expose prometheus metrics on this port")
	)
	flag.Parse()
	logging.InitFromEnv()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if *host != "" {
		cfg.Host = *host
	}
	if *port != 0 {
		cfg.Port = *port
	}
	if *insecure {
		cfg.Insecure = true
	}
	if *metricsPort != 0 {
		telemetry.Expose(*metricsPort)
	}

	nlp.Register("grpc", func() (nlp.Client, error) { return grpcclient.New(&cfg) })
	nlp.Register("http", func() (nlp.Client, error) { return httpclient.New(&cfg) })

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client, err := nlp.New(*transport)
	if err != nil {
		log.Fatalf("client: %v", err)
	}
	defer client.Close()

	params, err := loadParams(*paramsFile)
	if err != nil {
		log.Fatalf("params: %v", err)
	}

	if err := run(ctx, client, *model, params, flag.Args()); err != nil {
		log.Fatalf("nlpctl: %v", err)
	}
}

func run(ctx context.Context, client nlp.Client, model string, params map[string]any, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: nlpctl [flags] generate|stream|models|params <text>")
	}
	switch args[0] {
	case "generate":
		text, err := client.Generate(ctx, model, joined(args[1:]), params)
		if err != nil {
			return err
		}
		fmt.Println(text)
		return nil

	case "stream":
		stream, err := client.GenerateStream(ctx, model, joined(args[1:]), params)
		if err != nil {
			return err
		}
		defer stream.Close()
		for {
			chunk, err := stream.Recv()
			if err == io.EOF {
				fmt.Println()
				return nil
			}
			if err != nil {
				return err
			}
			fmt.Print(chunk.GeneratedText)
		}

	case "models":
		models, err := client.ListModels(ctx)
		if err != nil {
			return err
		}
		for _, m := range models {
			fmt.Printf("%s\t%s\n", m.Name, m.ModuleID)
		}
		return nil

	case "params":
		schema, err := client.DescribeParameters(ctx)
		if err != nil {
			return err
		}
		out, err := yaml.Marshal(schema)
		if err != nil {
			return err
		}
		fmt.Print(string(out))
		return nil

	default:
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func loadParams(path string) (map[string]any, error) {
	if path == "" {
		return nil, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var params map[string]any
	if err := yaml.Unmarshal(raw, &params); err != nil {
		return nil, err
	}
	return params, nil
}

func joined(words []string) string {
	out := ""
	for i, w := range words {
		if i > 0 {
			out += " "
		}
		out += w
	}
	return out
}
