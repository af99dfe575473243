package ftime

import (
	"testing"
	"time"
)

func TestFiletime(t *testing.T) {
	// 2009-02-13 23:31:30 UTC is 1234567890 Unix.
	want := time.Unix(1234567890, 0).UTC()
	ft := ToFiletime(want)
	if got := FromFiletime(ft); !got.Equal(want) {
		t.Errorf("round trip: %v != %v", got, want)
	}
	if got := FromFiletime(0); !got.IsZero() {
		t.Errorf("epoch filetime: got %v, want zero", got)
	}
}

func TestDosRoundTrip(t *testing.T) {
	times := []time.Time{
		time.Date(1980, 1, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2020, 6, 15, 12, 34, 56, 0, time.UTC),
		time.Date(2107, 12, 31, 23, 59, 58, 0, time.UTC),
	}
	for _, want := range times {
		date, tod := ToDos(want, time.UTC)
		got := FromDos(date, tod, time.UTC)
		if !got.Equal(want) {
			t.Errorf("round trip: %v != %v", got, want)
		}
	}
}

func TestDosResolution(t *testing.T) {
	// Odd seconds truncate to the 2-second DOS tick.
	in := time.Date(2020, 6, 15, 12, 34, 57, 0, time.UTC)
	date, tod := ToDos(in, time.UTC)
	got := FromDos(date, tod, time.UTC)
	if want := in.Add(-time.Second); !got.Equal(want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestDosPreEpoch(t *testing.T) {
	date, tod := ToDos(time.Date(1970, 1, 1, 0, 0, 0, 0, time.UTC), time.UTC)
	if got := FromDos(date, tod, time.UTC); got.Year() != 1980 {
		t.Errorf("pre-1980 time did not clamp: %v", got)
	}
}

func TestISODate(t *testing.T) {
	want := time.Date(2021, 3, 4, 5, 6, 7, 0, time.UTC)
	var b [7]byte
	PutISODate(b[:], want)
	if got := FromISODate(b[:]); !got.Equal(want) {
		t.Errorf("round trip: %v != %v", got, want)
	}
}
