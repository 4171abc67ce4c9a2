package core

// Inbound and outbound event names. Client-originated signaling uses the
// _send suffix; the server forwards it under the bare name.
const (
	EventSuccess = "success"

	EventPing = "private:ping"
	EventPong = "private:pong"

	EventPresenceUpdate = "private:presence_update"
	EventTypingStart    = "private:typing_start"
	EventTypingStop     = "private:typing_stop"

	EventCallInitiate          = "private:call_initiate"
	EventCallIncoming          = "private:call_incoming"
	EventCallAccept            = "private:call_accept"
	EventCallReject            = "private:call_reject"
	EventCallJoin              = "private:call_join"
	EventCallLeave             = "private:call_leave"
	EventCallEnd               = "private:call_end"
	EventCallMissed            = "private:call_missed"
	EventCallStatusUpdate      = "private:call_status_update"
	EventCallParticipantJoined = "private:call_participant_joined"
	EventCallParticipantLeft   = "private:call_participant_left"

	EventRTCOfferSend        = "rtc:offer_send"
	EventRTCAnswerSend       = "rtc:answer_send"
	EventRTCICECandidateSend = "rtc:ice_candidate_send"
	EventRTCOffer            = "rtc:offer"
	EventRTCAnswer           = "rtc:answer"
	EventRTCICECandidate     = "rtc:ice_candidate"

	EventNotification = "queue:notification"
)
