package client

import (
	"fmt"
	"time"

	"github.com/aeolun/parlor/pkg/protocol"
)

// Signup registers a new user and signs in as them.
func (c *Client) Signup(username, password string) error {
	var resp protocol.AuthCookie
	err := c.request(protocol.TypeSignup, protocol.Credentials{Username: username, Password: password}, protocol.TypeAuthCookie, &resp)
	if err != nil {
		return err
	}
	c.setSession(resp)
	return nil
}

// Signin authenticates an existing user.
func (c *Client) Signin(username, password string) error {
	var resp protocol.AuthCookie
	err := c.request(protocol.TypeSignin, protocol.Credentials{Username: username, Password: password}, protocol.TypeAuthCookie, &resp)
	if err != nil {
		return err
	}
	c.setSession(resp)
	return nil
}

// UsernameAvailable asks whether username is still free.
func (c *Client) UsernameAvailable(username string) (bool, error) {
	var resp protocol.UserResult
	if err := c.request(protocol.TypeCheckUser, protocol.CheckUser{Username: username}, protocol.TypeUserResult, &resp); err != nil {
		return false, err
	}
	return resp.Available, nil
}

// Channels lists the channels the user can access.
func (c *Client) Channels() ([]protocol.ChannelSummary, error) {
	auth, err := c.auth()
	if err != nil {
		return nil, err
	}
	var resp protocol.Channels
	if err := c.request(protocol.TypeGetChannels, auth, protocol.TypeChannels, &resp); err != nil {
		return nil, err
	}
	return resp.Channels, nil
}

// Channel fetches one channel with its history.
func (c *Client) Channel(id string) (protocol.Channel, error) {
	auth, err := c.auth()
	if err != nil {
		return protocol.Channel{}, err
	}
	var resp protocol.Channel
	err = c.request(protocol.TypeGetChannel, protocol.GetChannel{Authenticated: auth, Channel: id}, protocol.TypeChannel, &resp)
	return resp, err
}

// Post sends a message and waits until the server confirms it by
// broadcasting it back.
func (c *Client) Post(channel, content string) error {
	auth, err := c.auth()
	if err != nil {
		return err
	}

	c.reqMu.Lock()
	defer c.reqMu.Unlock()

	// Drop confirmations of earlier, timed-out posts.
	for len(c.posted) > 0 {
		<-c.posted
	}
	if err := c.send(protocol.TypePostMessage, protocol.PostMessage{Authenticated: auth, Channel: channel, Content: content}); err != nil {
		return err
	}

	deadline := time.NewTimer(c.timeout)
	defer deadline.Stop()
	for {
		select {
		case posted := <-c.posted:
			if posted.Channel == channel {
				return nil
			}
		case env := <-c.responses:
			// Failures arrive as replies; success only as the broadcast.
			if err := replyError(env); err != nil {
				return err
			}
			return fmt.Errorf("%w %s", ErrUnexpectedReply, env.Type)
		case <-c.done:
			return ErrClosed
		case <-deadline.C:
			return ErrTimeout
		}
	}
}

// AddFriend sends a friend request (or accepts one pending in the other direction).
func (c *Client) AddFriend(username string) error {
	auth, err := c.auth()
	if err != nil {
		return err
	}
	return c.request(protocol.TypeAddFriend, protocol.FriendRequest{Authenticated: auth, Friend: username}, protocol.TypeRequestSucceeded, nil)
}

// FriendChannel returns the id of the Direct channel with a friend.
func (c *Client) FriendChannel(username string) (string, error) {
	auth, err := c.auth()
	if err != nil {
		return "", err
	}
	var resp protocol.FriendChannel
	if err := c.request(protocol.TypeGetFriendChannel, protocol.FriendRequest{Authenticated: auth, Friend: username}, protocol.TypeFriendChannel, &resp); err != nil {
		return "", err
	}
	return resp.Channel, nil
}

// Friends returns the friend list and pending requests.
func (c *Client) Friends() (protocol.Friends, error) {
	auth, err := c.auth()
	if err != nil {
		return protocol.Friends{}, err
	}
	var resp protocol.Friends
	err = c.request(protocol.TypeGetFriends, auth, protocol.TypeFriends, &resp)
	return resp, err
}
