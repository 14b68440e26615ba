// Package subscription implements data-change delivery for DA groups.
//
// Every subscribed group has one Subscription that tracks the group's items
// and turns address-space changes into batched item reports. The Manager
// owns the subscriptions of one session and is driven by a periodic call to
// ProcessNotifications.
//
// # Parameters
//
// Each subscription has:
//   - UpdateRate: minimum time between data-change notifications
//   - KeepAlive: maximum time without notification (0 = no keep-alive)
//   - Deadband: percent of the item's engineering span a numeric value must
//     move before it is reported
//
// # Coalescing Behavior
//
// When an item changes several times within UpdateRate, only its final
// state is reported. The coalescing window starts with the first change
// after the previous notification.
//
// # Bounce-Back Suppression
//
// If an item changes and then returns to its last reported value and
// quality within the window, it is left out of the notification.
//
// # Priming and Keep-Alive
//
// Activating a subscription sends a priming notification with all current
// item states. Keep-alive notifications are sent when KeepAlive elapses
// without any other notification.
//
// # Lifecycle
//
// Subscriptions do not survive the session. After reconnecting, clients
// re-create their groups and receive new priming notifications.
package subscription
