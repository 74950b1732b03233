package main

import (
	"github.com/charmbracelet/log"
	"github.com/gordonklaus/portaudio"

	"github.com/aoo-audio/aoo/pkg/aoo"
)

// portaudioInit/portaudioTerminate bracket the process's PortAudio usage,
// grounded on the teacher's App.startup/shutdown Initialize/Terminate pair.
func portaudioInit() error {
	if err := portaudio.Initialize(); err != nil {
		return aoo.Wrap(aoo.KindSocket, err, "portaudio: initialize")
	}
	return nil
}

func portaudioTerminate() {
	portaudio.Terminate()
}

// printDevices lists available input/output devices, grounded on the
// teacher's AudioEngine.ListInputDevices/ListOutputDevices.
func printDevices(logger *log.Logger) {
	devices, err := portaudio.Devices()
	if err != nil {
		logger.Fatal("list devices", "err", err)
	}
	for i, d := range devices {
		logger.Info("device", "index", i, "name", d.Name, "max_input_channels", d.MaxInputChannels, "max_output_channels", d.MaxOutputChannels)
	}
}
