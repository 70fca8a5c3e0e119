package models

// 设备识别出的驾驶行为
const (
	BehaviorEyesClosed          = "eyes_closed"
	BehaviorYawning             = "yarning" // 设备固件拼写
	BehaviorEyesClosedHeadLeft  = "eyes_closed_head_left"
	BehaviorEyesClosedHeadRight = "eyes_closed_head_right"
	BehaviorHeadDown            = "head_down"
	BehaviorSeeingLeft          = "seeing_left"
	BehaviorSeeingRight         = "seeing_right"
)

var behaviorNames = map[string]string{
	BehaviorEyesClosed:          "闭眼",
	BehaviorYawning:             "打哈欠",
	BehaviorEyesClosedHeadLeft:  "闭眼左偏头",
	BehaviorEyesClosedHeadRight: "闭眼右偏头",
	BehaviorHeadDown:            "低头",
	BehaviorSeeingLeft:          "左看",
	BehaviorSeeingRight:         "右看",
}

// BehaviorDisplayName 行为中文名，未知行为原样返回
func BehaviorDisplayName(behavior string) string {
	if name, ok := behaviorNames[behavior]; ok {
		return name
	}
	return behavior
}

// ClassifyBehavior 闭眼/哈欠类 -> 疲劳；低头/视线偏移类 -> 分心；其余 -> 紧急
func ClassifyBehavior(behavior string) EventType {
	switch behavior {
	case BehaviorEyesClosed, BehaviorYawning, BehaviorEyesClosedHeadLeft, BehaviorEyesClosedHeadRight:
		return EventFatigue
	case BehaviorHeadDown, BehaviorSeeingLeft, BehaviorSeeingRight:
		return EventDistraction
	default:
		return EventEmergency
	}
}

// IsDangerousBehavior 闭眼、低头类行为
func IsDangerousBehavior(behavior string) bool {
	switch behavior {
	case BehaviorEyesClosed, BehaviorEyesClosedHeadLeft, BehaviorEyesClosedHeadRight, BehaviorHeadDown:
		return true
	}
	return false
}

// IsGazeAversion 视线偏移类行为
func IsGazeAversion(behavior string) bool {
	return behavior == BehaviorSeeingLeft || behavior == BehaviorSeeingRight
}
