// Package state 按设备维护的行程分段状态机
package state

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/looplab/fsm"

	"github.com/langchou/safedrive/internal/models"
)

// 分段状态
const (
	StateNoTrip          = "no_trip"
	StateActive          = "active"
	StatePossiblyStopped = "possibly_stopped"
)

// 状态机事件
const (
	EventStartTrip   = "start_trip"
	EventSlowDown    = "slow_down"
	EventResume      = "resume"
	EventConfirmStop = "confirm_stop"
	EventTimeout     = "timeout"
)

// Thresholds 分段阈值
type Thresholds struct {
	StartSpeed  float64       // 速度 > StartSpeed 视为行驶 (km/h)
	StopSpeed   float64       // 速度 <= StopSpeed 视为停车 (km/h)
	StopConfirm time.Duration // 停车持续多久确认行程结束
	MinTripGap  time.Duration // 两段行程之间的最小间隔
	GPSTimeout  time.Duration // 无 GPS 多久强制结束
}

// DefaultThresholds 默认阈值
func DefaultThresholds() Thresholds {
	return Thresholds{
		StartSpeed:  10,
		StopSpeed:   5,
		StopConfirm: 5 * time.Minute,
		MinTripGap:  30 * time.Minute,
		GPSTimeout:  15 * time.Minute,
	}
}

// BoundaryKind 边界类型
type BoundaryKind int

const (
	TripStarted BoundaryKind = iota + 1
	TripEnded
)

// EndReason 行程结束原因
type EndReason string

const (
	EndStopped EndReason = "stopped"
	EndTimeout EndReason = "timeout"
)

// Boundary 一次行程开始或结束的判定结果
type Boundary struct {
	Kind   BoundaryKind
	Fix    models.GpsFix // 开始点 / 结束点
	Reason EndReason     // 仅 TripEnded
}

// Snapshot 状态机可恢复的全部状态
type Snapshot struct {
	State         string
	TripID        string
	TripStart     *models.GpsFix
	LastFix       *models.GpsFix
	LastMovingAt  time.Time
	StopCandidate *models.GpsFix
	LastTripEnd   *time.Time
}

// Machine 单设备分段状态机，调用方通过 Manager.With 串行访问
type Machine struct {
	mu           sync.Mutex
	deviceID     string
	th           Thresholds
	fsm          *fsm.FSM
	onTransition func(deviceID, from, to string)
	restored     bool

	tripID        string
	tripStart     *models.GpsFix
	lastFix       *models.GpsFix
	lastMovingAt  time.Time
	stopCandidate *models.GpsFix
	lastTripEnd   *time.Time
}

// NewMachine 创建状态机，初始为 no_trip
func NewMachine(deviceID string, th Thresholds, onTransition func(deviceID, from, to string)) *Machine {
	m := &Machine{
		deviceID:     deviceID,
		th:           th,
		onTransition: onTransition,
	}

	m.fsm = fsm.NewFSM(
		StateNoTrip,
		fsm.Events{
			{Name: EventStartTrip, Src: []string{StateNoTrip}, Dst: StateActive},
			{Name: EventSlowDown, Src: []string{StateActive}, Dst: StatePossiblyStopped},
			{Name: EventResume, Src: []string{StatePossiblyStopped}, Dst: StateActive},
			{Name: EventConfirmStop, Src: []string{StatePossiblyStopped}, Dst: StateNoTrip},
			{Name: EventTimeout, Src: []string{StateActive, StatePossiblyStopped}, Dst: StateNoTrip},
		},
		fsm.Callbacks{
			"after_event": func(_ context.Context, e *fsm.Event) {
				if m.onTransition != nil && e.Src != e.Dst {
					m.onTransition(m.deviceID, e.Src, e.Dst)
				}
			},
		},
	)

	return m
}

// DeviceID 设备 ID
func (m *Machine) DeviceID() string { return m.deviceID }

// Current 当前状态
func (m *Machine) Current() string { return m.fsm.Current() }

// InTrip 是否存在进行中的行程
func (m *Machine) InTrip() bool { return m.fsm.Current() != StateNoTrip }

// TripID 进行中行程的 ID
func (m *Machine) TripID() string { return m.tripID }

// SetTripID 行程落库后记录其 ID
func (m *Machine) SetTripID(id string) { m.tripID = id }

// LastFix 最后一次参与判定的定位点
func (m *Machine) LastFix() *models.GpsFix { return m.lastFix }

// Restored 是否已从存储恢复过
func (m *Machine) Restored() bool { return m.restored }

// Snapshot 导出状态
func (m *Machine) Snapshot() Snapshot {
	return Snapshot{
		State:         m.fsm.Current(),
		TripID:        m.tripID,
		TripStart:     m.tripStart,
		LastFix:       m.lastFix,
		LastMovingAt:  m.lastMovingAt,
		StopCandidate: m.stopCandidate,
		LastTripEnd:   m.lastTripEnd,
	}
}

// Restore 从快照恢复，不触发转换回调
func (m *Machine) Restore(s Snapshot) {
	if s.State == "" {
		s.State = StateNoTrip
	}
	m.fsm.SetState(s.State)
	m.tripID = s.TripID
	m.tripStart = s.TripStart
	m.lastFix = s.LastFix
	m.lastMovingAt = s.LastMovingAt
	m.stopCandidate = s.StopCandidate
	m.lastTripEnd = s.LastTripEnd
	m.restored = true
}

// Invalidate 丢弃内存判断，下次访问时重新从存储恢复
func (m *Machine) Invalidate() { m.restored = false }

// Observe 按时间顺序输入一个定位点，返回产生的边界。
// 时间戳不晚于上一个点的定位点不参与判定，ok 返回 false。
func (m *Machine) Observe(fix models.GpsFix) (boundaries []Boundary, ok bool, err error) {
	if m.lastFix != nil && !fix.Timestamp.After(m.lastFix.Timestamp) {
		return nil, false, nil
	}

	// 先处理两点之间已经满足的结束条件
	if b, ended, err := m.expire(fix.Timestamp); err != nil {
		return nil, true, err
	} else if ended {
		boundaries = append(boundaries, b)
	}

	switch m.fsm.Current() {
	case StateNoTrip:
		if fix.Speed > m.th.StartSpeed && m.gapSatisfied(fix.Timestamp) {
			if err := m.trigger(EventStartTrip); err != nil {
				return boundaries, true, err
			}
			start := fix
			m.tripStart = &start
			m.tripID = ""
			m.lastMovingAt = fix.Timestamp
			boundaries = append(boundaries, Boundary{Kind: TripStarted, Fix: fix})
		}
	case StateActive:
		if fix.Speed > m.th.StartSpeed {
			m.lastMovingAt = fix.Timestamp
		} else if fix.Speed <= m.th.StopSpeed {
			if err := m.trigger(EventSlowDown); err != nil {
				return boundaries, true, err
			}
			candidate := fix
			m.stopCandidate = &candidate
		}
	case StatePossiblyStopped:
		if fix.Speed > m.th.StartSpeed {
			if err := m.trigger(EventResume); err != nil {
				return boundaries, true, err
			}
			m.stopCandidate = nil
			m.lastMovingAt = fix.Timestamp
		}
	}

	last := fix
	m.lastFix = &last
	return boundaries, true, nil
}

// Tick 在没有新定位点时按当前时间检查停车确认与超时
func (m *Machine) Tick(now time.Time) (*Boundary, error) {
	b, ended, err := m.expire(now)
	if err != nil || !ended {
		return nil, err
	}
	return &b, nil
}

// expire 停车确认优先于超时
func (m *Machine) expire(now time.Time) (Boundary, bool, error) {
	switch m.fsm.Current() {
	case StatePossiblyStopped:
		if m.stopCandidate != nil && now.Sub(m.stopCandidate.Timestamp) >= m.th.StopConfirm {
			return m.finish(EventConfirmStop, *m.stopCandidate, EndStopped)
		}
		fallthrough
	case StateActive:
		if m.lastFix != nil && now.Sub(m.lastFix.Timestamp) >= m.th.GPSTimeout {
			return m.finish(EventTimeout, *m.lastFix, EndTimeout)
		}
	}
	return Boundary{}, false, nil
}

func (m *Machine) finish(event string, end models.GpsFix, reason EndReason) (Boundary, bool, error) {
	if err := m.trigger(event); err != nil {
		return Boundary{}, false, err
	}
	endTime := end.Timestamp
	m.lastTripEnd = &endTime
	m.tripStart = nil
	m.stopCandidate = nil
	return Boundary{Kind: TripEnded, Fix: end, Reason: reason}, true, nil
}

func (m *Machine) gapSatisfied(ts time.Time) bool {
	return m.lastTripEnd == nil || ts.Sub(*m.lastTripEnd) >= m.th.MinTripGap
}

func (m *Machine) trigger(event string) error {
	if err := m.fsm.Event(context.Background(), event); err != nil {
		return fmt.Errorf("trigger event %s: %w", event, err)
	}
	return nil
}

// Manager 状态机管理器，保证同一设备的判定串行执行
type Manager struct {
	mu           sync.Mutex
	machines     map[string]*Machine
	th           Thresholds
	onTransition func(deviceID, from, to string)
}

// NewManager 创建管理器
func NewManager(th Thresholds, onTransition func(deviceID, from, to string)) *Manager {
	return &Manager{
		machines:     make(map[string]*Machine),
		th:           th,
		onTransition: onTransition,
	}
}

// Thresholds 当前阈值
func (m *Manager) Thresholds() Thresholds { return m.th }

// GetOrCreate 获取或创建状态机
func (m *Manager) GetOrCreate(deviceID string) *Machine {
	m.mu.Lock()
	defer m.mu.Unlock()

	if machine, ok := m.machines[deviceID]; ok {
		return machine
	}
	machine := NewMachine(deviceID, m.th, m.onTransition)
	m.machines[deviceID] = machine
	return machine
}

// With 持有设备锁执行 fn
func (m *Manager) With(deviceID string, fn func(*Machine) error) error {
	machine := m.GetOrCreate(deviceID)
	machine.mu.Lock()
	defer machine.mu.Unlock()
	return fn(machine)
}

// States 所有设备当前状态
func (m *Manager) States() map[string]string {
	m.mu.Lock()
	machines := make([]*Machine, 0, len(m.machines))
	for _, machine := range m.machines {
		machines = append(machines, machine)
	}
	m.mu.Unlock()

	states := make(map[string]string, len(machines))
	for _, machine := range machines {
		machine.mu.Lock()
		states[machine.deviceID] = machine.Current()
		machine.mu.Unlock()
	}
	return states
}
