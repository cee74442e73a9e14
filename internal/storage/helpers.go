package storage

import (
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

func closeWithError(cl interface{ Close() error }, err *error) {
	if cErr := cl.Close(); cErr != nil && *err == nil {
		*err = cErr
	}
}

// rollbackWithError ignores ErrTxDone so a deferred rollback after a
// successful commit does not clobber the nil error
func rollbackWithError(rb interface{ Rollback() error }, err *error) {
	if rErr := rb.Rollback(); rErr != nil && !errors.Is(rErr, sql.ErrTxDone) && *err == nil {
		*err = rErr
	}
}

// encodeSamples packs per-channel sample slices into a single blob: two
// uint32 dimensions followed by row-major little-endian float64 values.
// Every channel must hold the same number of samples.
func encodeSamples(samples [][]float64) []byte {
	var perChannel int
	if len(samples) > 0 {
		perChannel = len(samples[0])
	}

	buf := make([]byte, 8+len(samples)*perChannel*8)
	binary.LittleEndian.PutUint32(buf, uint32(len(samples)))
	binary.LittleEndian.PutUint32(buf[4:], uint32(perChannel))

	off := 8
	for _, channel := range samples {
		for _, v := range channel {
			binary.LittleEndian.PutUint64(buf[off:], math.Float64bits(v))
			off += 8
		}
	}
	return buf
}

func decodeSamples(blob []byte) ([][]float64, error) {
	if len(blob) < 8 {
		return nil, fmt.Errorf("samples blob too short: %d bytes", len(blob))
	}

	channels := int(binary.LittleEndian.Uint32(blob))
	perChannel := int(binary.LittleEndian.Uint32(blob[4:]))
	if want := 8 + channels*perChannel*8; len(blob) != want {
		return nil, fmt.Errorf("samples blob size mismatch: %d bytes, want %d", len(blob), want)
	}

	samples := make([][]float64, channels)
	off := 8
	for i := range samples {
		samples[i] = make([]float64, perChannel)
		for j := range samples[i] {
			samples[i][j] = math.Float64frombits(binary.LittleEndian.Uint64(blob[off:]))
			off += 8
		}
	}
	return samples, nil
}

// Channel labels never contain commas, so a plain comma join round-trips
func joinChannels(channels []string) string {
	return strings.Join(channels, ",")
}

func splitChannels(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

func timeToNs(t time.Time) int64 {
	return t.UnixNano()
}

func nsToTime(ns int64) time.Time {
	return time.Unix(0, ns).UTC()
}
