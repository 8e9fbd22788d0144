// Package mqtt provides the broker session used by both fleetmon roles.
//
// A Session owns one paho client and exposes:
//   - Connect and Close
//   - Publish with QoS 0/1/2 and the retained flag
//   - Subscribe/Unsubscribe on topic filters (wildcards allowed)
//   - a Last Will registered before the first Connect
//   - an inbound message stream and a connection-state stream
//
// # Delivery
//
// Inbound messages are queued and delivered to the single MessageHandler on
// one dispatch goroutine, in arrival order. A handler may publish from inside
// the callback.
//
// # Reconnection
//
// Paho's own auto-reconnect is disabled. SetAutoReconnect starts a loop that
// retries every interval while the session is down; the wait is interrupted
// by Close. Subscriptions use clean sessions and are dropped on disconnect,
// so callers resubscribe when the ConnectionHandler reports true.
//
// # Usage
//
//	session := mqtt.New(cfg.MQTT)
//	session.SetMessageHandler(func(topic string, payload []byte) error {
//	    return router.Route(topic, payload)
//	})
//	session.SetConnectionHandler(func(up bool) {
//	    if up {
//	        _ = session.Subscribe(protocol.AllStatusTopic, protocol.QoSStatus)
//	    }
//	})
//	session.SetAutoReconnect(true, 5*time.Second)
//	if err := session.Connect(); err != nil {
//	    log.Printf("broker down, retrying in background: %v", err)
//	}
//	defer session.Close()
package mqtt
