// Package notify forwards surge and review notifications to a RabbitMQ
// topic exchange. Routing keys are "pulse." followed by the message type,
// for example pulse.notification.surge.
package notify
