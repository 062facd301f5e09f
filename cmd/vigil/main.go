// The vigil command is the main entrypoint for running the remote desktop
// server. It takes care of initializing everything as well as running the
// listeners needed for a fully functional deployment.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/vigil-remote/vigil/internal"
	"github.com/vigil-remote/vigil/internal/core"
)

var configFlag = flag.String("config", "./", "Path to the directory containing the server config file")

func main() {
	flag.Parse()

	config := core.LoadConfig(*configFlag)
	fmt.Println("using configuration file:", *configFlag)

	// Change to the same directory as the config file so that any relative
	// paths in the config file will resolve.
	if err := os.Chdir(filepath.Dir(*configFlag)); err != nil {
		fmt.Println("error changing to config directory:", err)
		os.Exit(1)
	}

	// Bind the Controller to one top-level server context so that we can shut down cleanly.
	ctx, cancel := context.WithCancel(context.Background())

	// Register a SIGTERM handler so that Ctrl-C will shut the servers down gracefully.
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	go exitHandler(cancel, c)

	// Start up the controller to handle all of the resources and server init.
	controller := &internal.Controller{
		Config: config,
	}
	controller.Start(ctx)
	fmt.Println("shut down")
}

func exitHandler(cancelFn func(), c chan os.Signal, wg ...*sync.WaitGroup) {
	<-c
	fmt.Println("waiting to shut down gracefully...")

	cancelFn()
	exitChan := make(chan bool)
	go func() {
		for _, wg := range wg {
			wg.Wait()
		}
		exitChan <- true
	}()

	select {
	case <-c:
		fmt.Println("hard exiting (killed)")
	case <-exitChan:
	}

	os.Exit(0)
}
