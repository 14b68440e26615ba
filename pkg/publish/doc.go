// Package publish forwards DA data changes to message brokers.
//
// Fanout implements da.DataObserver. Each ItemChange becomes a JSON
// ValueMessage handed to every Sink:
//
//	MQTTSink    topic <root>/<server>/items/<item>, retained
//	ValkeySink  key <prefix>:<server>:items:<item>, optional pub/sub channel
//	KafkaSink   one topic per server, item ID as message key
//
// A failing sink never affects the group or the other sinks. Errors are
// logged and counted in Stats.
package publish
