package main

import (
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/FlUxIuS/nfc-laboratory/nfc"
)

// stdoutSink prints decoded frames to the log
type stdoutSink struct{}

func (stdoutSink) PublishFrame(frame nfc.Frame) {
	log.Printf("frame: %s", frame.String())
}

func main() {
	configPath := flag.String("config", "", "YAML configuration file")
	inputPath := flag.String("input", "", "capture file, overrides the configuration")
	sampleRate := flag.Int("rate", 0, "sample rate in Hz for raw inputs, overrides the configuration")
	flag.Parse()

	config := DefaultConfig()
	if *configPath != "" {
		loaded, err := LoadConfig(*configPath)
		if err != nil {
			log.Fatalf("config: %v", err)
		}
		config = loaded
	}
	if *inputPath != "" {
		config.Input.Path = *inputPath
	}
	if *sampleRate != 0 {
		config.Input.SampleRate = *sampleRate
	}
	if err := config.Validate(); err != nil {
		log.Fatalf("config: %v", err)
	}

	if err := run(config); err != nil {
		log.Fatalf("%v", err)
	}
}

func run(config *Config) error {
	source, err := OpenSampleSource(&config.Input)
	if err != nil {
		return err
	}
	defer source.Close()

	log.Printf("input: %s at %d S/s", config.Input.Path, source.SampleRate())

	// optional multi-channel WAV capture of the decoder internals
	var debug *nfc.SignalDebug
	if config.Decoder.DebugCapturePath != "" {
		debug, err = nfc.NewSignalDebug(config.Decoder.DebugCapturePath, nfc.DebugChannels, source.SampleRate())
		if err != nil {
			return fmt.Errorf("debug capture: %w", err)
		}
		defer debug.Close()
	}

	decoder, err := nfc.NewDecoder(config.DecoderSettings(source.SampleRate(), debug))
	if err != nil {
		return err
	}

	sinks := []FrameSink{stdoutSink{}}

	var metrics *PrometheusMetrics
	if config.Prometheus.Enabled {
		metrics = NewPrometheusMetrics()
		sinks = append(sinks, metrics)

		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			log.Printf("prometheus: listening on %s", config.Prometheus.Listen)
			if err := http.ListenAndServe(config.Prometheus.Listen, mux); err != nil {
				log.Printf("prometheus: %v", err)
			}
		}()
	}

	if config.Server.Enabled {
		hub := NewFrameHub()
		sinks = append(sinks, hub)

		go func() {
			mux := http.NewServeMux()
			mux.Handle("/frames", hub)
			log.Printf("server: streaming frames on ws://%s/frames", config.Server.Listen)
			if err := http.ListenAndServe(config.Server.Listen, mux); err != nil {
				log.Printf("server: %v", err)
			}
		}()
	}

	if config.MQTT.Enabled {
		publisher, err := NewMQTTPublisher(&config.MQTT)
		if err != nil {
			return err
		}
		defer publisher.Close()
		sinks = append(sinks, publisher)
	}

	receiver := NewReceiver(source, decoder, sinks...)
	if metrics != nil {
		// keep the gauges live while the decode loop runs
		receiver.OnStats = metrics.UpdateStats
	}
	receiver.Start()

	// stop cleanly on interrupt, in-flight frames are abandoned
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	done := make(chan error, 1)
	go func() { done <- receiver.Wait() }()

	select {
	case sig := <-sigChan:
		log.Printf("received %v, stopping", sig)
		receiver.Stop()
		<-done
	case err := <-done:
		if err != nil {
			return err
		}
	}

	stats := decoder.Stats()
	if metrics != nil {
		metrics.UpdateStats(stats)
	}
	log.Printf("done: %d samples, %d frames, %d carrier events, %d sync losses",
		stats.SamplesProcessed, stats.FramesDecoded,
		stats.CarrierOnEvents+stats.CarrierOffEvents, stats.SyncLosses)

	return nil
}
