package notify

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahmad-affandi08/smart-attendacne-system/internal/config"
	"github.com/ahmad-affandi08/smart-attendacne-system/internal/model"
	"github.com/ahmad-affandi08/smart-attendacne-system/internal/queue"
)

type fakeToken struct {
	err     error
	timeout bool
}

func (t fakeToken) Wait() bool                     { return true }
func (t fakeToken) WaitTimeout(time.Duration) bool { return !t.timeout }
func (t fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (t fakeToken) Error() error { return t.err }

type published struct {
	topic   string
	qos     byte
	payload []byte
}

type fakePublisher struct {
	token fakeToken
	msgs  []published
}

func (f *fakePublisher) Publish(topic string, qos byte, _ bool, payload interface{}) paho.Token {
	f.msgs = append(f.msgs, published{topic: topic, qos: qos, payload: payload.([]byte)})
	return f.token
}

func TestDisabledWithoutHost(t *testing.T) {
	n, err := New(config.MQTT{TopicPrefix: "campus/"})
	require.NoError(t, err)
	assert.False(t, n.Enabled())
	assert.NoError(t, n.Connect())
	assert.NoError(t, n.PublishAttendance(model.AttendanceRecord{Status: model.StatusPresent}))
	assert.Equal(t, "campus/attendance/hadir", n.Topic(model.StatusPresent))
	n.Close()
}

func TestTopic(t *testing.T) {
	n := &Notifier{prefix: "attendance"}
	assert.Equal(t, "attendance/attendance/tidak_hadir", n.Topic(model.StatusAbsent))
	assert.Equal(t, "attendance/attendance/ditolak", n.Topic(model.StatusRejected))
	assert.Equal(t, "attendance/attendance/unknown", n.Topic(""))
}

func TestHandleAttendanceCreated(t *testing.T) {
	pub := &fakePublisher{}
	n := &Notifier{prefix: "attendance", pub: pub}

	rec := model.AttendanceRecord{ID: "r1", UID: "AB12CD", StudentName: "Jane", Status: model.StatusPresent}
	body, err := json.Marshal(rec)
	require.NoError(t, err)

	require.NoError(t, n.Handle(queue.Message{Type: queue.TypeAttendanceCreated, Body: body}))
	require.Len(t, pub.msgs, 1)
	assert.Equal(t, "attendance/attendance/hadir", pub.msgs[0].topic)
	assert.EqualValues(t, 1, pub.msgs[0].qos)

	var got model.AttendanceRecord
	require.NoError(t, json.Unmarshal(pub.msgs[0].payload, &got))
	assert.Equal(t, "AB12CD", got.UID)

	assert.NoError(t, n.Handle(queue.Message{Type: "student.created"}), "unknown types are skipped")
	assert.Error(t, n.Handle(queue.Message{Type: queue.TypeAttendanceCreated, Body: []byte("{")}))
}

func TestPublishFailures(t *testing.T) {
	n := &Notifier{prefix: "attendance", pub: &fakePublisher{token: fakeToken{timeout: true}}}
	assert.ErrorIs(t, n.PublishAttendance(model.AttendanceRecord{}), ErrPublishTimeout)

	broker := errors.New("not connected")
	n = &Notifier{prefix: "attendance", pub: &fakePublisher{token: fakeToken{err: broker}}}
	assert.ErrorIs(t, n.PublishAttendance(model.AttendanceRecord{}), broker)
}

func TestBuildTLSConfigRejectsBadCA(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ca.pem")
	require.NoError(t, os.WriteFile(path, []byte("not a cert"), 0o600))
	_, err := buildTLSConfig(config.MQTT{CACert: path})
	assert.Error(t, err)

	_, err = buildTLSConfig(config.MQTT{CACert: filepath.Join(t.TempDir(), "missing.pem")})
	assert.Error(t, err)
}
