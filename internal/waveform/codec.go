package waveform

import (
	"io"
	"math"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/seisreview/eqcutil/internal/errors"
)

const (
	// wavBitDepth stores samples as 32-bit signed PCM
	wavBitDepth = 32
	// wavPCMFormat is the WAVE_FORMAT_PCM format tag
	wavPCMFormat = 1
	// scaleHeadroom is the peak count targeted by ScaleFor
	scaleHeadroom = 1 << 30
)

// ErrNonIntegerRate is returned when a trace cannot be stored in a WAV header.
var ErrNonIntegerRate = errors.NewStd("sampling rate must be a positive integer for WAV storage")

// ScaleFor returns a factor that maps the trace peak to 2^30 counts.
func ScaleFor(tr *Trace) float64 {
	peak := tr.MaxAbs()
	if peak == 0 {
		return 1
	}
	return scaleHeadroom / peak
}

// EncodeWAV writes tr as mono 32-bit PCM, multiplying samples by scale and
// rounding to integer counts.
func EncodeWAV(w io.WriteSeeker, tr *Trace, scale float64) error {
	rate := int(math.Round(tr.SamplingRate))
	if rate <= 0 || math.Abs(float64(rate)-tr.SamplingRate) > sampleTolerance {
		return errors.New(ErrNonIntegerRate).
			Component("waveform").
			Category(errors.CategoryWaveform).
			Context("seed_id", tr.SeedID()).
			Context("sampling_rate", tr.SamplingRate).
			Build()
	}
	if scale <= 0 || math.IsNaN(scale) || math.IsInf(scale, 0) {
		return errors.Newf("invalid WAV scale factor %g", scale).
			Component("waveform").
			Category(errors.CategoryValidation).
			Build()
	}

	counts := make([]int, len(tr.Data))
	for i, v := range tr.Data {
		c := math.Round(v * scale)
		if math.IsNaN(c) || c > math.MaxInt32 || c < math.MinInt32 {
			return errors.Newf("sample %d of %s (%g) does not fit 32-bit PCM at scale %g", i, tr.SeedID(), v, scale).
				Component("waveform").
				Category(errors.CategoryWaveform).
				Build()
		}
		counts[i] = int(c)
	}

	enc := wav.NewEncoder(w, rate, wavBitDepth, 1, wavPCMFormat)
	buf := &audio.IntBuffer{
		Data:           counts,
		Format:         &audio.Format{SampleRate: rate, NumChannels: 1},
		SourceBitDepth: wavBitDepth,
	}
	if err := enc.Write(buf); err != nil {
		return errors.New(err).
			Component("waveform").
			Category(errors.CategoryFileIO).
			Context("operation", "wav_encode").
			Build()
	}
	if err := enc.Close(); err != nil {
		return errors.New(err).
			Component("waveform").
			Category(errors.CategoryFileIO).
			Context("operation", "wav_close").
			Build()
	}
	return nil
}

// DecodeWAV reads a mono PCM WAV file and returns its integer samples and rate.
func DecodeWAV(r io.ReadSeeker) ([]int, int, error) {
	dec := wav.NewDecoder(r)
	dec.ReadInfo()
	if !dec.IsValidFile() {
		return nil, 0, errors.New(errors.NewStd("invalid WAV file format")).
			Component("waveform").
			Category(errors.CategoryFileParsing).
			Build()
	}
	if dec.NumChans != 1 {
		return nil, 0, errors.Newf("waveform WAV files must be mono, got %d channels", dec.NumChans).
			Component("waveform").
			Category(errors.CategoryFileParsing).
			Build()
	}

	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, 0, errors.New(err).
			Component("waveform").
			Category(errors.CategoryFileParsing).
			Context("operation", "wav_decode").
			Build()
	}

	return buf.Data, int(dec.SampleRate), nil
}

// ReadWAVTrace decodes a WAV file into a trace, dividing counts by scale.
// The sampling rate comes from the file; stats.SamplingRate is ignored.
func ReadWAVTrace(r io.ReadSeeker, stats Stats, scale float64) (*Trace, error) {
	counts, rate, err := DecodeWAV(r)
	if err != nil {
		return nil, err
	}
	if scale == 0 {
		scale = 1
	}

	data := make([]float64, len(counts))
	for i, c := range counts {
		data[i] = float64(c) / scale
	}
	stats.SamplingRate = float64(rate)
	return NewTrace(stats, data), nil
}
