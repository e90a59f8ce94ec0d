// SPDX-FileCopyrightText: 2019, 2020 Alvar Penning
// SPDX-FileCopyrightText: 2020 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package discovery

import (
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/schollz/peerdiscovery"

	"github.com/trumanellis/indras-dtn/identity"
)

// Discovered reports a peer found via LAN discovery, ready for the caller
// to register with a transport and the topology oracle.
type Discovered struct {
	Peer     identity.PeerIdentity
	Kind     string
	Address  string
	DialPort uint
}

// Manager publishes this node's own Announcements and notifies a callback
// of peers it discovers on the LAN.
type Manager struct {
	self         identity.PeerIdentity
	onDiscovered func(Discovered)

	stopChan4 chan struct{}
	stopChan6 chan struct{}
}

func (manager *Manager) notify6(discovered peerdiscovery.Discovered) {
	discovered.Address = fmt.Sprintf("[%s]", discovered.Address)

	manager.notify(discovered)
}

func (manager *Manager) notify(discovered peerdiscovery.Discovered) {
	announcements, err := UnmarshalAnnouncements(discovered.Payload)
	if err != nil {
		log.WithError(err).WithFields(log.Fields{
			"discovery": manager,
			"peer":      discovered.Address,
		}).Warn("Peer discovery failed to parse incoming package")

		return
	}

	for _, announcement := range announcements {
		go manager.handleDiscovery(announcement, discovered.Address)
	}
}

func (manager *Manager) handleDiscovery(announcement Announcement, addr string) {
	log.WithFields(log.Fields{
		"discovery": manager,
		"peer":      addr,
		"message":   announcement,
	}).Debug("Peer discovery received a message")

	if announcement.Peer == manager.self {
		return
	}

	manager.onDiscovered(Discovered{
		Peer:     announcement.Peer,
		Kind:     announcement.Kind,
		Address:  addr,
		DialPort: announcement.DialPort,
	})
}

// Close this Manager.
func (manager *Manager) Close() {
	for _, c := range []chan struct{}{manager.stopChan4, manager.stopChan6} {
		if c != nil {
			c <- struct{}{}
		}
	}
}

// NewManager for Announcements will be created and started.
func NewManager(self identity.PeerIdentity, onDiscovered func(Discovered), announcements []Announcement, interval time.Duration, ipv4, ipv6 bool) (*Manager, error) {
	log.WithFields(log.Fields{
		"interval": interval,
		"ipv4":     ipv4,
		"ipv6":     ipv6,
		"message":  announcements,
	}).Info("Started Manager")

	var manager = &Manager{self: self, onDiscovered: onDiscovered}
	if ipv4 {
		manager.stopChan4 = make(chan struct{})
	}
	if ipv6 {
		manager.stopChan6 = make(chan struct{})
	}

	msg, err := MarshalAnnouncements(announcements)
	if err != nil {
		return nil, err
	}

	sets := []struct {
		active           bool
		multicastAddress string
		stopChan         chan struct{}
		ipVersion        peerdiscovery.IPVersion
		notify           func(discovered peerdiscovery.Discovered)
	}{
		{ipv4, address4, manager.stopChan4, peerdiscovery.IPv4, manager.notify},
		{ipv6, address6, manager.stopChan6, peerdiscovery.IPv6, manager.notify6},
	}

	for _, set := range sets {
		if !set.active {
			continue
		}

		set := peerdiscovery.Settings{
			Limit:            -1,
			Port:             fmt.Sprintf("%d", port),
			MulticastAddress: set.multicastAddress,
			Payload:          msg,
			Delay:            interval,
			TimeLimit:        -1,
			StopChan:         set.stopChan,
			AllowSelf:        true,
			IPVersion:        set.ipVersion,
			Notify:           set.notify,
		}

		discoverErrChan := make(chan error)
		go func() {
			_, discoverErr := peerdiscovery.Discover(set)
			discoverErrChan <- discoverErr
		}()

		select {
		case discoverErr := <-discoverErrChan:
			if discoverErr != nil {
				return nil, discoverErr
			}

		case <-time.After(time.Second):
			break
		}
	}

	return manager, nil
}
