package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/adrg/xdg"
	"github.com/spf13/viper"
)

var v *viper.Viper

func init() {
	v = viper.New()
	setDefaults(v)

	// Environment variables
	v.SetEnvPrefix("CAP")
	v.AutomaticEnv()
	v.BindEnv("cap.home", "CAP_HOME")
	v.BindEnv("recording.dir", "CAP_RECORDING_DIR")
	v.BindEnv("encoder.backend", "CAP_ENCODER_BACKEND")
	v.BindEnv("pipeline.join_timeout", "CAP_JOIN_TIMEOUT")
	v.BindEnv("pipeline.channel_capacity", "CAP_CHANNEL_CAPACITY")

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	configPaths := []string{
		".",
		"$HOME/.cap",
		"/etc/cap",
	}
	for _, path := range configPaths {
		v.AddConfigPath(os.ExpandEnv(path))
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			// Config file was found but another error was produced
			panic(fmt.Sprintf("Fatal error reading config file: %s", err))
		}
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("cap.home", filepath.Join(xdg.Home, ".cap"))
	// Empty means <cap.home>/recordings.
	v.SetDefault("recording.dir", "")

	v.SetDefault("pipeline.channel_capacity", 2048)
	v.SetDefault("pipeline.join_timeout", 10*time.Second)

	v.SetDefault("video.fps", 30)
	v.SetDefault("video.codec", "h264")
	v.SetDefault("video.bitrate", 0)
	v.SetDefault("video.prefer_hardware", true)

	v.SetDefault("audio.codec", "aac")
	v.SetDefault("audio.sample_rate", 48000)
	v.SetDefault("audio.channels", 2)
	v.SetDefault("audio.bitrate", 0)

	v.SetDefault("muxer.fragment_duration", 2*time.Second)
	v.SetDefault("encoder.backend", "auto")
}

// GetCapHome returns the cap home directory
func GetCapHome() string {
	return v.GetString("cap.home")
}

// GetRecordingDir returns where new projects are created
func GetRecordingDir() string {
	if dir := v.GetString("recording.dir"); dir != "" {
		return dir
	}
	return filepath.Join(GetCapHome(), "recordings")
}

// GetChannelCapacity returns the bound of every pipeline channel
func GetChannelCapacity() int {
	return v.GetInt("pipeline.channel_capacity")
}

// GetJoinTimeout returns how long shutdown waits for each task
func GetJoinTimeout() time.Duration {
	return v.GetDuration("pipeline.join_timeout")
}

func GetVideoFPS() int {
	return v.GetInt("video.fps")
}

func GetVideoCodec() string {
	return v.GetString("video.codec")
}

func GetVideoBitrate() int {
	return v.GetInt("video.bitrate")
}

func GetPreferHardware() bool {
	return v.GetBool("video.prefer_hardware")
}

func GetAudioCodec() string {
	return v.GetString("audio.codec")
}

func GetAudioSampleRate() int {
	return v.GetInt("audio.sample_rate")
}

func GetAudioChannels() int {
	return v.GetInt("audio.channels")
}

func GetAudioBitrate() int {
	return v.GetInt("audio.bitrate")
}

// GetFragmentDuration returns the target fMP4 fragment length
func GetFragmentDuration() time.Duration {
	return v.GetDuration("muxer.fragment_duration")
}

// GetEncoderBackend returns the preferred encoder backend, "auto" for the best available
func GetEncoderBackend() string {
	return v.GetString("encoder.backend")
}
