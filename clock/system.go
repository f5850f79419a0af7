// A thin wrapper over the system clock which can be implemented for use in tests.
package clock

import "time"

// Day is a calendar day counted from the unix epoch in UTC. Credentials are issued per day.
type Day uint32

func DayOf(t time.Time) Day {
	return Day(t.UTC().Unix() / 86400)
}

func (d Day) Time() time.Time {
	return time.Unix(int64(d)*86400, 0).UTC()
}

type Clock interface {
	CurrentTimeMicro() uint64
	CurrentTimeMs() uint64
	Now() time.Time
	Today() Day
}

type systemClock struct{}

func NewSystemClock() Clock {
	return &systemClock{}
}

func (sc *systemClock) CurrentTimeMicro() uint64 {
	return uint64(time.Now().UnixMicro())
}

func (sc *systemClock) CurrentTimeMs() uint64 {
	return sc.CurrentTimeMicro() / 1000
}

func (sc *systemClock) Now() time.Time {
	return time.Now()
}

func (sc *systemClock) Today() Day {
	return DayOf(time.Now())
}
