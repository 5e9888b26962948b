package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/akamensky/argparse"
	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/yolotrain/pkg/train"
	"github.com/cyclopcam/yolotrain/pkg/yolo"
)

func check(err error) {
	if err != nil {
		panic(err)
	}
}

func main() {
	parser := argparse.NewParser("train", "Train a YOLO object detector")
	configFile := parser.String("c", "config", &argparse.Options{Help: "JSON training config file", Required: true})
	epochs := parser.Int("e", "epochs", &argparse.Options{Help: "Override the number of epochs", Default: 0})
	resume := parser.String("r", "resume", &argparse.Options{Help: "Resume from a checkpoint name, or 'latest'", Default: ""})
	threads := parser.Int("t", "threads", &argparse.Options{Help: "Number of compute threads (0 = one per CPU)", Default: 0})
	lr := parser.Float("", "lr", &argparse.Options{Help: "Override the learning rate", Default: 0.0})
	arch := parser.Selector("a", "arch", yolo.ArchitectureNames(), &argparse.Options{Help: "Override the model architecture"})
	err := parser.Parse(os.Args)
	if err != nil {
		fmt.Print(parser.Usage(err))
		os.Exit(1)
	}

	logger, err := logs.NewLog()
	check(err)

	config, err := train.LoadConfig(*configFile)
	check(err)
	if *epochs != 0 {
		config.Epochs = *epochs
	}
	if *resume != "" {
		config.Resume = *resume
	}
	if *threads != 0 {
		config.Threads = *threads
	}
	if *lr != 0 {
		config.Optimizer.LearningRate = float32(*lr)
	}
	if *arch != "" {
		config.Model.Architecture = *arch
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	trainer, err := train.Open(logger, *config)
	check(err)
	logger.Infof("Training epochs %v to %v", trainer.StartEpoch(), config.Epochs)
	if err := trainer.Run(ctx); err != nil {
		if ctx.Err() != nil {
			logger.Warnf("Training interrupted")
			return
		}
		logger.Criticalf("Training failed: %v", err)
		os.Exit(1)
	}
	logger.Infof("Training finished")
}
