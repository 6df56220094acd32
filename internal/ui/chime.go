package ui

import (
	"math"
	"sync"
	"time"

	"github.com/faiface/beep"
	"github.com/faiface/beep/speaker"
	"go.uber.org/zap"

	"meshchat/internal/mesh"
	"meshchat/internal/message"
)

const (
	chimeSampleRate = beep.SampleRate(44100)
	chimeFrequency  = 880.0
	chimeLength     = 150 * time.Millisecond
	chimeVolume     = 0.3
)

// Chime plays a short tone whenever a message is delivered to this node.
// If the audio device cannot be opened it logs once and stays silent.
type Chime struct {
	mesh.NopListener

	initOnce sync.Once
	initErr  error
	log      *zap.Logger
}

func NewChime(log *zap.Logger) *Chime {
	if log == nil {
		log = zap.NewNop()
	}
	return &Chime{log: log}
}

func (c *Chime) MessageReceived(message.Message) {
	c.initOnce.Do(func() {
		c.initErr = speaker.Init(chimeSampleRate, chimeSampleRate.N(time.Second/10))
		if c.initErr != nil {
			c.log.Warn("audio unavailable, chime disabled", zap.Error(c.initErr))
		}
	})
	if c.initErr != nil {
		return
	}
	speaker.Play(Tone(chimeSampleRate, chimeFrequency, chimeLength))
}

// Tone is a sine at freq Hz lasting d, faded in and out to avoid clicks.
func Tone(sr beep.SampleRate, freq float64, d time.Duration) beep.Streamer {
	total := sr.N(d)
	fade := max(total/10, 1)
	pos := 0
	sine := beep.StreamerFunc(func(samples [][2]float64) (int, bool) {
		for i := range samples {
			env := 1.0
			switch {
			case pos < fade:
				env = float64(pos) / float64(fade)
			case total-pos < fade:
				env = float64(total-pos) / float64(fade)
			}
			v := chimeVolume * env * math.Sin(2*math.Pi*freq*float64(pos)/float64(sr))
			samples[i][0], samples[i][1] = v, v
			pos++
		}
		return len(samples), true
	})
	return beep.Take(total, sine)
}
